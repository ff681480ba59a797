// Package engine assembles one simulated time step from the baseline, the
// active scenario and its propagation.
package engine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/miradorstack/resolve-sim/internal/baseline"
	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/metrics"
	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/propagation"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/topology"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// ErrNonMonotonicStep is returned when a step or activation is not later
// than the previous step. It aborts the run.
var ErrNonMonotonicStep = errors.New("non-monotonic step")

// Options tune a pipeline.
type Options struct {
	Seed int64
	// Step is the nominal step width; it bounds in-step log jitter.
	Step time.Duration
	// AutoRecover ends PEAK after the scenario's peak duration.
	AutoRecover bool
	// TimingScale multiplies every scenario duration. Zero means 1.
	TimingScale float64
}

type activation struct {
	inj  *injector.Injector
	prop *propagation.Engine
}

// Status describes the pipeline's scenario slot.
type Status struct {
	Active   bool
	State    injector.State
	LastStep time.Time
	// HasState is false until the first activation.
	HasState bool
}

// Pipeline produces time steps. It is not safe for concurrent use; the
// playback driver serialises access.
type Pipeline struct {
	logger  *slog.Logger
	topo    *topology.Topology
	catalog *scenario.Catalog
	gen     *baseline.Generator
	opts    Options
	spread  time.Duration

	active   *activation
	draining []*activation
	latest   *injector.State
	pending  injector.Records

	last       time.Time
	started    bool
	milestones []Milestone
}

// NewPipeline constructs a pipeline over topo and catalog.
func NewPipeline(logger *slog.Logger, topo *topology.Topology, catalog *scenario.Catalog, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimingScale <= 0 {
		opts.TimingScale = 1
	}
	spread := time.Second
	if opts.Step > 0 && opts.Step < spread {
		spread = opts.Step
	}
	return &Pipeline{
		logger:  logger,
		topo:    topo,
		catalog: catalog,
		gen:     baseline.New(topo, opts.Seed, spread),
		opts:    opts,
		spread:  spread,
	}
}

// Activate starts kind on origin at ts. An empty origin selects the
// catalog's default. Any activation while another is live is rejected with
// a ScenarioConflictError and leaves the state unchanged.
func (p *Pipeline) Activate(kind scenario.Kind, origin string, ts time.Time) (injector.State, error) {
	def, ok := p.catalog.Get(kind)
	if !ok {
		return injector.State{}, utils.NewAppError("activate", fmt.Sprintf("unknown scenario kind %q", kind), nil)
	}
	if origin == "" {
		origin = def.Origin
	}
	if p.active != nil {
		st := p.active.inj.State()
		return injector.State{}, &utils.ScenarioConflictError{Origin: origin, ActiveOrigin: st.Origin, ActiveKind: string(st.Kind)}
	}
	svc, ok := p.topo.Service(origin)
	if !ok {
		return injector.State{}, utils.NewAppError("activate", fmt.Sprintf("unknown service %q", origin), nil)
	}
	if p.started && ts.Before(p.last) {
		return injector.State{}, fmt.Errorf("activate at %s before last step %s: %w", ts, p.last, ErrNonMonotonicStep)
	}

	def = def.Scaled(p.opts.TimingScale)
	id := emitter.CorrelationID(p.opts.Seed, string(kind), origin, ts)
	prop, err := propagation.New(p.topo, origin, def.Propagation)
	if err != nil {
		return injector.State{}, utils.NewAppError("activate", "propagation", err)
	}
	inj := injector.New(def, svc, id, injector.Options{
		AutoRecover: p.opts.AutoRecover,
		Rand:        rand.New(rand.NewPCG(uint64(p.opts.Seed), streamKey(id))),
	})
	rec, err := inj.Activate(ts)
	if err != nil {
		return injector.State{}, err
	}

	p.active = &activation{inj: inj, prop: prop}
	p.queue(rec)
	st := inj.State()
	p.latest = &st
	p.mark("activated", ts, st)
	if len(rec.Deployments) > 0 {
		p.mark("deployment", ts, st)
	}
	metrics.SetScenario(string(kind), st.Phase.Ordinal(), 0)
	p.logger.Info("scenario activated",
		slog.String("kind", string(kind)),
		slog.String("origin", origin),
		slog.String("correlation_id", id),
		slog.Time("at", ts),
	)
	return st, nil
}

// Recover starts remediation of the active scenario at ts.
func (p *Pipeline) Recover(ts time.Time) (injector.Outcome, error) {
	if p.active == nil {
		if p.latest != nil && p.latest.Phase == injector.PhaseResolved {
			return injector.OutcomeAlreadyResolved, nil
		}
		return injector.OutcomeNoop, nil
	}
	if p.started && ts.Before(p.last) {
		return "", fmt.Errorf("recover at %s before last step %s: %w", ts, p.last, ErrNonMonotonicStep)
	}
	outcome, rec := p.active.inj.Recover(ts)
	p.queue(rec)
	st := p.active.inj.State()
	p.latest = &st
	if outcome == injector.OutcomeSuccess {
		p.mark("remediation", ts, st)
		p.logger.Info("scenario recovering", slog.String("kind", string(st.Kind)), slog.String("origin", st.Origin))
	}
	return outcome, nil
}

// Status reports the scenario slot.
func (p *Pipeline) Status() Status {
	s := Status{LastStep: p.last}
	if p.active != nil {
		s.Active = true
		s.State = p.active.inj.State()
		s.HasState = true
		return s
	}
	if p.latest != nil {
		s.State = *p.latest
		s.HasState = true
	}
	return s
}

// Step produces the records for ts. Each category is sorted by timestamp.
func (p *Pipeline) Step(ts time.Time) (models.TimeStep, error) {
	if p.started && !ts.After(p.last) {
		return models.TimeStep{}, fmt.Errorf("step %s after %s: %w", ts, p.last, ErrNonMonotonicStep)
	}
	p.started = true
	p.last = ts

	step := models.TimeStep{Timestamp: ts}
	p.pending.NotBefore(ts)
	step.Deployments = append(step.Deployments, p.pending.Deployments...)
	step.Alerts = append(step.Alerts, p.pending.Alerts...)
	step.Logs = append(step.Logs, p.pending.Logs...)
	p.pending = injector.Records{}

	base := p.gen.Step(ts)
	samples := make([][]models.MetricSample, len(base))
	for i, s := range base {
		samples[i] = s.Samples
		step.Logs = append(step.Logs, s.Logs...)
	}

	for _, a := range p.draining {
		a.prop.Record(ts, 0)
	}
	if a := p.active; a != nil && p.advance(a, ts, samples, &step) {
		p.draining = append(p.draining, a)
	}
	p.distortDependents(ts, samples, &step)

	kept := p.draining[:0]
	for _, a := range p.draining {
		if !a.prop.Quiet(ts) {
			kept = append(kept, a)
		}
	}
	p.draining = kept

	for _, s := range samples {
		step.Samples = append(step.Samples, s...)
	}
	sortStep(&step)
	metrics.ObserveStep()
	return step, nil
}

// advance moves the active scenario to ts and distorts its origin. It reports
// whether the scenario resolved.
func (p *Pipeline) advance(a *activation, ts time.Time, samples [][]models.MetricSample, step *models.TimeStep) bool {
	before := a.inj.State().Phase
	rec := a.inj.Advance(ts)
	step.Deployments = append(step.Deployments, rec.Deployments...)
	step.Logs = append(step.Logs, rec.Logs...)

	st := a.inj.State()
	a.prop.Record(ts, st.Magnitude)

	origin, _ := p.topo.IndexOf(st.Origin)
	samples[origin] = a.inj.DistortOrigin(samples[origin])
	step.Logs = append(step.Logs, a.inj.OriginLogs(samples[origin], ts, p.spread)...)
	if alert, ok := a.inj.CheckAlert(samples[origin]); ok {
		step.Alerts = append(step.Alerts, alert)
		p.mark("alert", alert.Timestamp, st)
		p.logger.Info("alert fired", slog.String("service", alert.Service), slog.Float64("observed", alert.Observed))
	}

	if st.Phase != before {
		p.mark(string(st.Phase), ts, st)
		if st.Phase == injector.PhaseRecovering && len(rec.Deployments)+len(rec.Logs) > 0 {
			p.mark("remediation", ts, st)
		}
		p.logger.Debug("phase transition",
			slog.String("kind", string(st.Kind)),
			slog.String("from", string(before)),
			slog.String("to", string(st.Phase)),
			slog.Time("at", ts),
		)
	}
	metrics.SetScenario(string(st.Kind), st.Phase.Ordinal(), st.Magnitude)

	p.latest = &st
	if st.Phase != injector.PhaseResolved {
		return false
	}
	p.active = nil
	p.logger.Info("scenario resolved", slog.String("kind", string(st.Kind)), slog.String("origin", st.Origin))
	return true
}

type reach struct {
	from      *activation
	magnitude float64
}

// distortDependents applies at most one distortion per dependent. When the
// active scenario and draining ones reach the same service, the strongest
// wins. The active origin is never distorted as a dependent.
func (p *Pipeline) distortDependents(ts time.Time, samples [][]models.MetricSample, step *models.TimeStep) {
	sources := p.draining
	origin := -1
	if p.active != nil {
		sources = append([]*activation{p.active}, p.draining...)
		origin, _ = p.topo.IndexOf(p.active.inj.State().Origin)
	}

	strongest := make(map[int]reach)
	var order []int
	for _, a := range sources {
		for _, d := range a.prop.At(ts) {
			if d.Magnitude <= 0 || d.Index == origin {
				continue
			}
			cur, seen := strongest[d.Index]
			if !seen {
				order = append(order, d.Index)
			}
			if !seen || d.Magnitude > cur.magnitude {
				strongest[d.Index] = reach{from: a, magnitude: d.Magnitude}
			}
		}
	}

	services := p.topo.Services()
	for _, idx := range order {
		r := strongest[idx]
		svc := services[idx]
		effects := r.from.inj.Variant().DependentEffects()
		samples[idx] = injector.Distort(svc, samples[idx], effects, r.magnitude, r.from.inj.State().ActivationID)
		step.Logs = append(step.Logs, r.from.inj.DependentLogs(svc, samples[idx], r.magnitude, ts, p.spread)...)
	}
}

func (p *Pipeline) queue(rec injector.Records) {
	p.pending.Deployments = append(p.pending.Deployments, rec.Deployments...)
	p.pending.Alerts = append(p.pending.Alerts, rec.Alerts...)
	p.pending.Logs = append(p.pending.Logs, rec.Logs...)
}

func sortStep(step *models.TimeStep) {
	sort.SliceStable(step.Deployments, func(i, j int) bool {
		return step.Deployments[i].Timestamp.Before(step.Deployments[j].Timestamp)
	})
	sort.SliceStable(step.Alerts, func(i, j int) bool {
		return step.Alerts[i].Timestamp.Before(step.Alerts[j].Timestamp)
	})
	sort.SliceStable(step.Samples, func(i, j int) bool {
		return step.Samples[i].Timestamp.Before(step.Samples[j].Timestamp)
	})
	sort.SliceStable(step.Logs, func(i, j int) bool {
		return step.Logs[i].Timestamp.Before(step.Logs[j].Timestamp)
	})
}

func streamKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
