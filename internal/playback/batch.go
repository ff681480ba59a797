package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/topology"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// Scheduled is an activation placed at an offset from the window start.
type Scheduled struct {
	Kind   scenario.Kind
	Origin string
	Offset time.Duration
}

// BatchConfig describes one pre-generated dataset.
type BatchConfig struct {
	Start       time.Time
	Window      time.Duration
	Step        time.Duration
	Seed        int64
	Activations []Scheduled
	Runbooks    []models.Runbook
	// History adds resolved deployments and alerts before Start.
	History bool
}

// Summary reports what a batch run produced.
type Summary struct {
	Start      time.Time
	End        time.Time
	Steps      int
	Documents  map[emitter.Category]int
	Rejected   []Scheduled
	Milestones []engine.Milestone
	// WriteLatency is zero when the sink does not track latency.
	WriteLatency utils.LatencySnapshot
}

// Total returns the number of documents written.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Documents {
		n += c
	}
	return n
}

// Batch runs a fixed window with auto-recovery.
type Batch struct {
	logger   *slog.Logger
	topo     *topology.Topology
	pipeline *engine.Pipeline
	sink     sink.Sink
	cfg      BatchConfig
}

// NewBatch validates cfg. The pipeline must be built with AutoRecover set.
func NewBatch(logger *slog.Logger, topo *topology.Topology, pipeline *engine.Pipeline, s sink.Sink, cfg BatchConfig) (*Batch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Step <= 0 {
		return nil, utils.NewConfigurationError("step", "must be positive", nil)
	}
	if cfg.Window < cfg.Step {
		return nil, utils.NewConfigurationError("window", "must cover at least one step", nil)
	}
	if cfg.Start.IsZero() {
		return nil, utils.NewConfigurationError("start", "must be set", nil)
	}
	for _, a := range cfg.Activations {
		if a.Offset < 0 || a.Offset >= cfg.Window {
			return nil, utils.NewConfigurationError("activations", fmt.Sprintf("%s offset %s outside window %s", a.Kind, a.Offset, cfg.Window), nil)
		}
	}
	acts := append([]Scheduled(nil), cfg.Activations...)
	sort.SliceStable(acts, func(i, j int) bool { return acts[i].Offset < acts[j].Offset })
	cfg.Activations = acts
	return &Batch{logger: logger, topo: topo, pipeline: pipeline, sink: s, cfg: cfg}, nil
}

// Run writes runbooks, optional history, then every step of the window. It
// returns once all documents are written or on the first failure.
func (b *Batch) Run(ctx context.Context) (Summary, error) {
	start := b.cfg.Start.UTC()
	end := start.Add(b.cfg.Window)
	summary := Summary{Start: start, End: end, Documents: make(map[emitter.Category]int)}

	prelude, err := b.prelude(start)
	if err != nil {
		return summary, err
	}
	if err := writeGroups(ctx, b.sink, prelude, summary.Documents); err != nil {
		return summary, err
	}

	next := 0
	for ts := start; ts.Before(end); ts = ts.Add(b.cfg.Step) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		for next < len(b.cfg.Activations) && !start.Add(b.cfg.Activations[next].Offset).After(ts) {
			act := b.cfg.Activations[next]
			next++
			at := start.Add(act.Offset)
			if _, err := b.pipeline.Activate(act.Kind, act.Origin, at); err != nil {
				if utils.IsScenarioConflict(err) {
					b.logger.Warn("scheduled activation rejected", slog.String("kind", string(act.Kind)), slog.Any("error", err))
					summary.Rejected = append(summary.Rejected, act)
					continue
				}
				return summary, err
			}
		}

		step, err := b.pipeline.Step(ts)
		if err != nil {
			return summary, err
		}
		groups, err := emitter.Step(step)
		if err != nil {
			return summary, err
		}
		if err := writeGroups(ctx, b.sink, groups, summary.Documents); err != nil {
			return summary, err
		}
		logWrite(b.logger, groups)
		summary.Steps++
	}

	summary.Milestones = b.pipeline.Milestones()
	if lat, ok := sinkLatency(b.sink); ok {
		summary.WriteLatency = lat
	}
	b.logger.Info("batch complete",
		slog.Int("steps", summary.Steps),
		slog.Int("documents", summary.Total()),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Duration("write_p95", summary.WriteLatency.P95),
	)
	return summary, nil
}

func (b *Batch) prelude(start time.Time) ([]emitter.Group, error) {
	var groups []emitter.Group
	books, err := emitter.Runbooks(b.cfg.Runbooks)
	if err != nil {
		return nil, err
	}
	groups = append(groups, emitter.Group{Category: emitter.CategoryRunbooks, Documents: books})
	if !b.cfg.History {
		return groups, nil
	}

	deps, alerts, err := History(b.topo, b.cfg.Seed, start)
	if err != nil {
		return nil, err
	}
	depDocs, err := emitter.Deployments(deps)
	if err != nil {
		return nil, err
	}
	alertDocs, err := emitter.Alerts(alerts)
	if err != nil {
		return nil, err
	}
	groups = append(groups,
		emitter.Group{Category: emitter.CategoryDeployments, Documents: depDocs},
		emitter.Group{Category: emitter.CategoryAlerts, Documents: alertDocs},
	)
	return groups, nil
}
