package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/injector"
)

// Milestone is a notable moment of an activation.
type Milestone struct {
	Event         string
	Timestamp     time.Time
	Kind          string
	Origin        string
	CorrelationID string
}

func (p *Pipeline) mark(event string, ts time.Time, st injector.State) {
	p.milestones = append(p.milestones, Milestone{
		Event:         event,
		Timestamp:     ts,
		Kind:          string(st.Kind),
		Origin:        st.Origin,
		CorrelationID: st.ActivationID,
	})
}

// Milestones returns the recorded incident timeline.
func (p *Pipeline) Milestones() []Milestone {
	return append([]Milestone(nil), p.milestones...)
}

// RenderTimeline formats milestones for a terminal summary.
func RenderTimeline(ms []Milestone) string {
	if len(ms) == 0 {
		return "incident timeline: no activations"
	}
	var b strings.Builder
	b.WriteString("incident timeline:\n")
	for _, m := range ms {
		fmt.Fprintf(&b, "  %-12s %s  %s on %s\n", m.Event, emitter.FormatTimestamp(m.Timestamp), m.Kind, m.Origin)
	}
	return strings.TrimRight(b.String(), "\n")
}
