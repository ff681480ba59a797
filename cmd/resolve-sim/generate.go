package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/metrics"
	"github.com/miradorstack/resolve-sim/internal/playback"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

func newGenerateCmd() *cobra.Command {
	var activations []string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a fixed window of signals with scheduled scenarios",
		Example: `  resolve-sim generate --activate pool_exhaustion@58m
  resolve-sim generate --activate memory_leak:user-service@30m --activate cpu_saturation@90m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(activations) == 0 {
				activations = []string{"pool_exhaustion@58m"}
			}
			scheduled := make([]playback.Scheduled, 0, len(activations))
			for _, a := range activations {
				s, err := parseScheduled(a)
				if err != nil {
					return err
				}
				scheduled = append(scheduled, s)
			}
			return runGenerate(scheduled)
		},
	}
	cmd.Flags().StringArrayVar(&activations, "activate", nil, "Scheduled activation as kind[:origin]@offset (repeatable)")
	return cmd
}

// parseScheduled reads kind[:origin]@offset.
func parseScheduled(value string) (playback.Scheduled, error) {
	target, offset, ok := strings.Cut(value, "@")
	if !ok {
		return playback.Scheduled{}, fmt.Errorf("activation %q: expected kind[:origin]@offset", value)
	}
	kind, origin, _ := strings.Cut(target, ":")
	if _, ok := scenario.Lookup(scenario.Kind(kind)); !ok {
		return playback.Scheduled{}, fmt.Errorf("activation %q: unknown scenario kind %q", value, kind)
	}
	d, err := time.ParseDuration(offset)
	if err != nil {
		return playback.Scheduled{}, fmt.Errorf("activation %q: %w", value, err)
	}
	return playback.Scheduled{Kind: scenario.Kind(kind), Origin: origin, Offset: d}, nil
}

func runGenerate(scheduled []playback.Scheduled) error {
	rt, err := loadAssets()
	if err != nil {
		return err
	}
	cfg := rt.cfg
	logger := rt.logger
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	start, err := windowStart(cfg.Simulation.BaseTime, cfg.Simulation.Window, cfg.Simulation.Step)
	if err != nil {
		return err
	}
	books, err := scenario.Runbooks()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := buildSink(ctx, cfg.Sink, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("close sink", slog.Any("error", err))
		}
	}()

	pipeline := engine.NewPipeline(logger, rt.topo, rt.catalog, engine.Options{
		Seed:        cfg.Simulation.Seed,
		Step:        cfg.Simulation.Step,
		AutoRecover: true,
		TimingScale: cfg.Simulation.TimingScale,
	})
	batch, err := playback.NewBatch(logger, rt.topo, pipeline, out, playback.BatchConfig{
		Start:       start,
		Window:      cfg.Simulation.Window,
		Step:        cfg.Simulation.Step,
		Seed:        cfg.Simulation.Seed,
		Activations: scheduled,
		Runbooks:    books,
		History:     cfg.Simulation.History,
	})
	if err != nil {
		return err
	}
	summary, err := batch.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, summary)
	return nil
}

func windowStart(base string, window, step time.Duration) (time.Time, error) {
	if base != "" {
		return utils.ParseBaseTime(base)
	}
	return utils.AlignToStep(time.Now().UTC().Add(-window), step), nil
}

func printSummary(w io.Writer, s playback.Summary) {
	fmt.Fprintf(w, "window %s .. %s, %d steps, %d documents\n",
		emitter.FormatTimestamp(s.Start), emitter.FormatTimestamp(s.End), s.Steps, s.Total())
	cats := make([]string, 0, len(s.Documents))
	for c := range s.Documents {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(w, "  %-12s %d\n", c, s.Documents[emitter.Category(c)])
	}
	if lat := s.WriteLatency; lat.Count > 0 {
		fmt.Fprintf(w, "sink latency over %d writes: p50 %s, p95 %s, max %s\n", lat.Count, lat.P50, lat.P95, lat.Max)
	}
	for _, r := range s.Rejected {
		fmt.Fprintf(w, "rejected %s at +%s: another scenario was active\n", r.Kind, r.Offset)
	}
	fmt.Fprintln(w, engine.RenderTimeline(s.Milestones))
}
