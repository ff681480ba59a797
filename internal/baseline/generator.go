// Package baseline produces steady-state telemetry for every service.
package baseline

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/topology"
)

const (
	// stepSigma is the walk's per-step noise as a fraction of the range width.
	stepSigma = 0.08
	// reversion pulls the walk back towards the typical value each step.
	reversion = 0.2
)

// ServiceStep is one service's baseline output for a single time step.
type ServiceStep struct {
	Service string
	Samples []models.MetricSample
	Logs    []models.LogEvent
}

// Generator produces deterministic baseline samples and background logs.
// Each service owns its random stream so the output of one service never
// depends on how many numbers another service consumed.
type Generator struct {
	topo    *topology.Topology
	spread  time.Duration
	streams []*rand.Rand
	// walk[service][host][metric]
	walk [][][]float64
}

// New seeds a generator for topo. Background logs are jittered within
// spread after the step timestamp.
func New(topo *topology.Topology, seed int64, spread time.Duration) *Generator {
	services := topo.Services()
	g := &Generator{
		topo:    topo,
		spread:  spread,
		streams: make([]*rand.Rand, len(services)),
		walk:    make([][][]float64, len(services)),
	}
	for i, svc := range services {
		g.streams[i] = rand.New(rand.NewPCG(uint64(seed), streamKey(svc.Name)))
		g.walk[i] = make([][]float64, len(svc.Hosts))
		for h := range svc.Hosts {
			values := make([]float64, len(models.AllMetrics))
			for m, metric := range models.AllMetrics {
				values[m] = svc.Baseline.RangeFor(metric).Typical
			}
			g.walk[i][h] = values
		}
	}
	return g
}

// Step advances every walk once and returns the per-service output in
// topology order.
func (g *Generator) Step(ts time.Time) []ServiceStep {
	services := g.topo.Services()
	out := make([]ServiceStep, len(services))
	for i, svc := range services {
		out[i] = g.stepService(i, svc, ts)
	}
	return out
}

func (g *Generator) stepService(idx int, svc models.Service, ts time.Time) ServiceStep {
	r := g.streams[idx]
	step := ServiceStep{
		Service: svc.Name,
		Samples: make([]models.MetricSample, 0, len(svc.Hosts)),
	}

	for h, host := range svc.Hosts {
		values := g.walk[idx][h]
		for m, metric := range models.AllMetrics {
			values[m] = advance(r, values[m], svc.Baseline.RangeFor(metric))
		}
		sample := models.MetricSample{
			Service:           svc.Name,
			Host:              host,
			Timestamp:         ts,
			ErrorRate:         values[0],
			LatencyMs:         values[1],
			CPUPercent:        values[2],
			MemoryPercent:     values[3],
			RequestsPerSecond: values[4],
			ActiveConnections: int(math.Round(values[5])),
		}
		step.Samples = append(step.Samples, sample)

		// The draws below happen whether or not a log is emitted so the
		// stream position depends only on the step count.
		roll := r.Float64()
		msgIdx := r.IntN(len(messagesFor(svc.Name)))
		pathIdx := r.IntN(len(svc.Paths))
		jitter := 0.5 + r.Float64()
		traceID := TraceID(r)
		offset := time.Duration(r.Float64() * float64(g.spread))
		if roll >= svc.Baseline.LogRate {
			continue
		}
		msg := messagesFor(svc.Name)[msgIdx]
		step.Logs = append(step.Logs, models.LogEvent{
			Service:        svc.Name,
			Host:           host,
			Timestamp:      ts.Add(offset),
			Level:          msg.level,
			Message:        strings.ReplaceAll(msg.text, "{trace_id}", traceID),
			TraceID:        traceID,
			RequestPath:    svc.Paths[pathIdx],
			ResponseTimeMs: int(math.Max(1, math.Round(sample.LatencyMs*jitter))),
		})
	}
	return step
}

// advance moves v one step along a mean-reverting walk clipped to rng.
func advance(r *rand.Rand, v float64, rng models.Range) float64 {
	width := rng.Max - rng.Min
	if width <= 0 {
		return rng.Typical
	}
	v += reversion*(rng.Typical-v) + r.NormFloat64()*stepSigma*width
	if v < rng.Min {
		v = rng.Min
	}
	if v > rng.Max {
		v = rng.Max
	}
	return v
}

// TraceID draws a trace id of the form trace-<8 hex>.
func TraceID(r *rand.Rand) string {
	return fmt.Sprintf("trace-%08x", r.Uint32())
}

func streamKey(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}
