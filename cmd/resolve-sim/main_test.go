package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/playback"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

func TestParseScheduled(t *testing.T) {
	s, err := parseScheduled("memory_leak:user-service@30m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != scenario.KindMemoryLeak || s.Origin != "user-service" || s.Offset != 30*time.Minute {
		t.Fatalf("unexpected activation %+v", s)
	}

	s, err = parseScheduled("pool_exhaustion@58m")
	if err != nil || s.Origin != "" {
		t.Fatalf("default origin: %+v %v", s, err)
	}

	for _, bad := range []string{"pool_exhaustion", "disk_full@1m", "memory_leak@soon"} {
		if _, err := parseScheduled(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWindowStart(t *testing.T) {
	got, err := windowStart("2024-03-01T10:00:00Z", time.Hour, time.Minute)
	if err != nil || !got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("explicit base: %s %v", got, err)
	}
	got, err = windowStart("", 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("derived base: %v", err)
	}
	if got.Second() != 0 || time.Since(got) < 2*time.Hour-time.Minute {
		t.Fatalf("derived base should be step-aligned and a window back, got %s", got)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, playback.Summary{
		Start:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Steps:        120,
		Documents:    map[emitter.Category]int{emitter.CategoryLogs: 10, emitter.CategoryMetrics: 5},
		WriteLatency: utils.LatencySnapshot{
			Count: 4,
			P50:   2 * time.Millisecond,
			P95:   9 * time.Millisecond,
			Max:   12 * time.Millisecond,
		},
	})
	out := buf.String()
	if !strings.Contains(out, "120 steps, 15 documents") || !strings.Contains(out, "no activations") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if !strings.Contains(out, "sink latency over 4 writes: p50 2ms, p95 9ms, max 12ms") {
		t.Fatalf("missing latency line:\n%s", out)
	}
}
