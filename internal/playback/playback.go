// Package playback drives the pipeline clock and hands each step's documents
// to a sink, either over a fixed window or paced by a ticker.
package playback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// writeGroups writes groups in order. A batch that still has failures after
// the sink's own handling is returned as an error.
func writeGroups(ctx context.Context, s sink.Sink, groups []emitter.Group, counts map[emitter.Category]int) error {
	for _, g := range groups {
		if len(g.Documents) == 0 {
			continue
		}
		ack, err := s.WriteBatch(ctx, g.Category, g.Documents)
		if err != nil {
			return fmt.Errorf("write %s: %w", g.Category, err)
		}
		if !ack.OK() {
			undelivered := make([]emitter.Document, 0, len(ack.Failed))
			for _, i := range ack.Failed {
				if i >= 0 && i < len(g.Documents) {
					undelivered = append(undelivered, g.Documents[i])
				}
			}
			return &sink.BatchExhaustedError{
				Category:  g.Category,
				Documents: undelivered,
				Attempts:  1,
				Err:       fmt.Errorf("%d documents rejected", len(ack.Failed)),
			}
		}
		if counts != nil {
			counts[g.Category] += len(g.Documents)
		}
	}
	return nil
}

func logWrite(logger *slog.Logger, groups []emitter.Group) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, g := range groups {
		logger.Debug("step written", slog.String("category", string(g.Category)), slog.Int("documents", len(g.Documents)))
	}
}

type latencyReporter interface {
	Latency() utils.LatencySnapshot
}

// sinkLatency reports write latency when s tracks it and has seen writes.
func sinkLatency(s sink.Sink) (utils.LatencySnapshot, bool) {
	r, ok := s.(latencyReporter)
	if !ok {
		return utils.LatencySnapshot{}, false
	}
	snap := r.Latency()
	return snap, snap.Count > 0
}
