// Package injector drives one scenario activation through its phases and
// distorts the origin service's telemetry.
package injector

// Phase is a step of the activation lifecycle.
type Phase string

const (
	PhaseDormant    Phase = "dormant"
	PhaseOnset      Phase = "onset"
	PhaseEscalating Phase = "escalating"
	PhasePeak       Phase = "peak"
	PhaseRecovering Phase = "recovering"
	PhaseResolved   Phase = "resolved"
)

// Ordinal ranks phases for gauges and comparisons.
func (p Phase) Ordinal() int {
	switch p {
	case PhaseOnset:
		return 1
	case PhaseEscalating:
		return 2
	case PhasePeak:
		return 3
	case PhaseRecovering:
		return 4
	case PhaseResolved:
		return 5
	default:
		return 0
	}
}

// Active reports whether the phase still holds the single activation slot.
func (p Phase) Active() bool {
	return p != PhaseDormant && p != PhaseResolved
}

// Outcome is the result of a control operation.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeNoop            Outcome = "noop"
	OutcomeAlreadyResolved Outcome = "already-resolved"
	OutcomeConflict        Outcome = "conflict"
)
