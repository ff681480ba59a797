// Package propagation spreads an origin's distortion onto the services that
// depend on it, delayed and attenuated per hop.
package propagation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/topology"
)

// Distortion is the magnitude a dependent receives at one instant.
type Distortion struct {
	Service   string
	Index     int
	Magnitude float64
	// Hops is the path length that produced Magnitude.
	Hops int
}

type point struct {
	ts time.Time
	m  float64
}

// Engine tracks the origin's magnitude history and derives dependent
// distortion from it.
type Engine struct {
	reach       []topology.Reach
	attenuation float64
	hopDelay    time.Duration
	horizon     time.Duration
	history     []point
}

// New builds an engine for origin on topo.
func New(topo *topology.Topology, origin string, p scenario.Propagation) (*Engine, error) {
	if p.Attenuation <= 0 || p.Attenuation >= 1 {
		return nil, fmt.Errorf("attenuation %g outside (0,1)", p.Attenuation)
	}
	if p.HopDelay <= 0 {
		return nil, fmt.Errorf("hop delay must be positive")
	}
	if !topo.Has(origin) {
		return nil, fmt.Errorf("unknown origin %q", origin)
	}
	reach := topo.Reachable(origin)
	maxHops := 0
	for _, r := range reach {
		if h := r.Hops[len(r.Hops)-1]; h > maxHops {
			maxHops = h
		}
	}
	return &Engine{
		reach:       reach,
		attenuation: p.Attenuation,
		hopDelay:    p.HopDelay,
		horizon:     time.Duration(maxHops) * p.HopDelay,
	}, nil
}

// Record appends the origin magnitude observed at ts. Timestamps must be
// non-decreasing.
func (e *Engine) Record(ts time.Time, m float64) {
	e.history = append(e.history, point{ts: ts, m: m})
	e.prune(ts)
}

// OriginAt returns the origin magnitude in effect at t: the last recorded
// value at or before t, or zero before the first record.
func (e *Engine) OriginAt(t time.Time) float64 {
	idx := sort.Search(len(e.history), func(i int) bool {
		return e.history[i].ts.After(t)
	})
	if idx == 0 {
		return 0
	}
	return e.history[idx-1].m
}

// At returns the distortion of every reachable dependent at ts, in reach
// order. Each service takes the maximum over the hop distances at which it
// is reachable.
func (e *Engine) At(ts time.Time) []Distortion {
	out := make([]Distortion, 0, len(e.reach))
	for _, r := range e.reach {
		best := Distortion{Service: r.Service, Index: r.Index}
		for _, h := range r.Hops {
			d := math.Pow(e.attenuation, float64(h)) * e.OriginAt(ts.Add(-time.Duration(h)*e.hopDelay))
			if d > best.Magnitude {
				best.Magnitude = d
				best.Hops = h
			}
		}
		out = append(out, best)
	}
	return out
}

// Quiet reports whether neither the origin nor any dependent can still be
// distorted at or after ts.
func (e *Engine) Quiet(ts time.Time) bool {
	for t := ts; !t.Before(ts.Add(-e.horizon)); t = t.Add(-e.hopDelay) {
		if e.OriginAt(t) > 0 {
			return false
		}
	}
	return true
}

// prune drops history no lookup can reach, keeping the latest point before
// the horizon as the held value.
func (e *Engine) prune(now time.Time) {
	cutoff := now.Add(-e.horizon)
	keep := sort.Search(len(e.history), func(i int) bool {
		return e.history[i].ts.After(cutoff)
	})
	if keep > 1 {
		e.history = append(e.history[:0], e.history[keep-1:]...)
	}
}
