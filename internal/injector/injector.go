package injector

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/scenario"
)

// State is a snapshot of an activation.
type State struct {
	ActivationID string
	Kind         scenario.Kind
	Origin       string
	Phase        Phase
	PhaseEntered time.Time
	ActivatedAt  time.Time
	Magnitude    float64
	AlertFired   bool
	Definition   scenario.Definition
}

// Records are documents produced by phase transitions rather than sampling.
type Records struct {
	Deployments []models.Deployment
	Alerts      []models.Alert
	Logs        []models.LogEvent
}

// NotBefore moves records stamped before ts up to ts, so records queued
// between steps never precede documents the sink already received.
func (r *Records) NotBefore(ts time.Time) {
	for i := range r.Deployments {
		if r.Deployments[i].Timestamp.Before(ts) {
			r.Deployments[i].Timestamp = ts
		}
	}
	for i := range r.Alerts {
		if r.Alerts[i].Timestamp.Before(ts) {
			r.Alerts[i].Timestamp = ts
		}
	}
	for i := range r.Logs {
		if r.Logs[i].Timestamp.Before(ts) {
			r.Logs[i].Timestamp = ts
		}
	}
}

func (r *Records) merge(o Records) {
	r.Deployments = append(r.Deployments, o.Deployments...)
	r.Alerts = append(r.Alerts, o.Alerts...)
	r.Logs = append(r.Logs, o.Logs...)
}

// Injector owns the state machine of a single activation.
type Injector struct {
	def         scenario.Definition
	variant     scenario.Variant
	origin      models.Service
	autoRecover bool
	rand        *rand.Rand

	state State
	// escalateAt is the timestamp magnitude starts ramping from.
	escalateAt time.Time
	// recoverFrom is the magnitude on entry to RECOVERING.
	recoverFrom float64
}

// Options tune an injector.
type Options struct {
	// AutoRecover leaves PEAK after the configured peak duration.
	AutoRecover bool
	// Rand is the incident stream. It must not be shared with the baseline.
	Rand *rand.Rand
}

// New prepares a dormant injector for origin.
func New(def scenario.Definition, origin models.Service, activationID string, opts Options) *Injector {
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(0, 0))
	}
	return &Injector{
		def:         def,
		variant:     def.Variant(),
		origin:      origin,
		autoRecover: opts.AutoRecover,
		rand:        r,
		state: State{
			ActivationID: activationID,
			Kind:         def.Kind,
			Origin:       origin.Name,
			Phase:        PhaseDormant,
			Definition:   def,
		},
	}
}

// State returns a copy of the current state.
func (i *Injector) State() State { return i.state }

// Variant returns the fault pattern being injected.
func (i *Injector) Variant() scenario.Variant { return i.variant }

// Rand exposes the incident stream for dependent distortion.
func (i *Injector) Rand() *rand.Rand { return i.rand }

// Activate moves DORMANT to ONSET at ts and returns the scenario deployment
// for deployment-triggered variants.
func (i *Injector) Activate(ts time.Time) (Records, error) {
	if i.state.Phase != PhaseDormant {
		return Records{}, fmt.Errorf("activate %s: phase is %s", i.state.Kind, i.state.Phase)
	}
	i.enter(PhaseOnset, ts)
	i.state.ActivatedAt = ts

	var rec Records
	if i.variant.DeploymentTriggered() && i.def.Deployment != nil {
		d := i.def.Deployment
		rec.Deployments = append(rec.Deployments, models.Deployment{
			Service:       i.origin.Name,
			Version:       d.Version,
			Deployer:      d.Deployer,
			Timestamp:     ts,
			Status:        models.DeploymentSuccess,
			CommitHash:    d.Commit,
			Changes:       d.Changes,
			CorrelationID: i.state.ActivationID,
		})
	}
	return rec, nil
}

// Advance applies every transition due at ts and updates the magnitude.
func (i *Injector) Advance(ts time.Time) Records {
	var rec Records
	t := i.def.Timing

	// Zero-length phases may chain several transitions in one step.
	for n := 0; n < 6; n++ {
		switch i.state.Phase {
		case PhaseOnset:
			if ts.Before(i.state.ActivatedAt.Add(t.OnsetDelay)) {
				return rec
			}
			i.enter(PhaseEscalating, ts)
			i.escalateAt = ts
			i.state.Magnitude = t.SymptomThreshold
			continue
		case PhaseEscalating:
			m := 1.0
			if t.Ramp > 0 {
				elapsed := ts.Sub(i.escalateAt)
				m = t.SymptomThreshold + (1-t.SymptomThreshold)*float64(elapsed)/float64(t.Ramp)
			}
			if m < 1 {
				i.state.Magnitude = m
				return rec
			}
			i.state.Magnitude = 1
			i.enter(PhasePeak, ts)
			continue
		case PhasePeak:
			if !i.autoRecover || ts.Sub(i.state.PhaseEntered) < t.Peak {
				return rec
			}
			rec.merge(i.beginRecovery(ts))
			continue
		case PhaseRecovering:
			m := 0.0
			if t.Recovery > 0 {
				left := 1 - float64(ts.Sub(i.state.PhaseEntered))/float64(t.Recovery)
				m = i.recoverFrom * left
			}
			if m > t.ResolveEpsilon {
				i.state.Magnitude = m
				return rec
			}
			i.state.Magnitude = 0
			i.enter(PhaseResolved, ts)
			return rec
		default:
			return rec
		}
	}
	return rec
}

// Recover starts remediation at ts. Only a scenario at peak can be
// recovered; every other phase is left untouched.
func (i *Injector) Recover(ts time.Time) (Outcome, Records) {
	switch i.state.Phase {
	case PhasePeak:
		return OutcomeSuccess, i.beginRecovery(ts)
	case PhaseResolved:
		return OutcomeAlreadyResolved, Records{}
	default:
		return OutcomeNoop, Records{}
	}
}

func (i *Injector) beginRecovery(ts time.Time) Records {
	i.recoverFrom = i.state.Magnitude
	i.enter(PhaseRecovering, ts)
	return i.remediation(ts)
}

func (i *Injector) enter(p Phase, ts time.Time) {
	i.state.Phase = p
	i.state.PhaseEntered = ts
}

func (i *Injector) remediation(ts time.Time) Records {
	var rec Records
	d := i.def.Deployment
	if i.variant.RollbackOnRecover() && d != nil {
		rec.Deployments = append(rec.Deployments, models.Deployment{
			Service:       i.origin.Name,
			Version:       d.PreviousVersion,
			Deployer:      d.RollbackDeployer,
			Timestamp:     ts,
			Status:        models.DeploymentRollback,
			CommitHash:    d.RollbackCommit,
			Changes:       fmt.Sprintf("Emergency rollback to v%s due to %s in v%s", d.PreviousVersion, strings.ReplaceAll(string(i.def.Kind), "_", " "), d.Version),
			RollbackOf:    d.Version,
			CorrelationID: i.state.ActivationID,
		})
	}

	for _, tpl := range i.variant.RemediationLogs() {
		hosts := i.origin.Hosts[:1]
		if strings.Contains(tpl.Message, "{host}") {
			hosts = i.origin.Hosts
		}
		for _, host := range hosts {
			rec.Logs = append(rec.Logs, i.renderLog(tpl, i.origin, host, ts, i.origin.Baseline.LatencyMs.Typical))
		}
	}
	return rec
}

// DistortOrigin applies the variant's origin effects at the current
// magnitude. Samples are returned unchanged while the magnitude is zero.
func (i *Injector) DistortOrigin(samples []models.MetricSample) []models.MetricSample {
	return Distort(i.origin, samples, i.variant.OriginEffects(), i.state.Magnitude, i.state.ActivationID)
}

// OriginLogs draws incident logs for the origin at ts. At least one log is
// produced while the magnitude is non-zero.
func (i *Injector) OriginLogs(samples []models.MetricSample, ts time.Time, spread time.Duration) []models.LogEvent {
	return i.incidentLogs(i.origin, i.variant.OriginLogs(), samples, i.state.Magnitude, ts, spread, true)
}

// DependentLogs draws incident logs for a dependent distorted by magnitude d.
func (i *Injector) DependentLogs(svc models.Service, samples []models.MetricSample, d float64, ts time.Time, spread time.Duration) []models.LogEvent {
	return i.incidentLogs(svc, i.variant.DependentLogs(), samples, d, ts, spread, false)
}

// CheckAlert fires the activation's single alert on the first sample whose
// alert metric, as rendered in its metric document, exceeds the threshold.
func (i *Injector) CheckAlert(samples []models.MetricSample) (models.Alert, bool) {
	if i.state.AlertFired || i.state.Magnitude <= 0 {
		return models.Alert{}, false
	}
	rule := i.def.Alert
	var hit *models.MetricSample
	observed := 0.0
	for idx := range samples {
		v := models.Rendered(rule.Metric, samples[idx].Value(rule.Metric))
		if v <= rule.Threshold {
			continue
		}
		if hit == nil || v > observed {
			hit, observed = &samples[idx], v
		}
	}
	if hit == nil {
		return models.Alert{}, false
	}
	i.state.AlertFired = true

	return models.Alert{
		AlertID:   AlertID(i.state.ActivationID),
		Service:   i.origin.Name,
		Metric:    rule.Metric,
		Condition: rule.Condition(),
		Threshold: rule.Threshold,
		Observed:  observed,
		Timestamp: hit.Timestamp,
		Severity:  rule.Severity,
		Status:    models.AlertFiring,
		Message: fmt.Sprintf("%s: %s %s exceeded %g on %s (observed %.4g)",
			strings.ToUpper(string(rule.Severity)), i.origin.Name, rule.Metric, rule.Threshold, hit.Host, observed),
		CorrelationID: i.state.ActivationID,
	}, true
}

// AlertID derives the alert id of an activation.
func AlertID(activationID string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("alert/"+activationID))
	return "ALT-" + strings.ToUpper(id.String()[:8])
}

// Distort applies effects at magnitude m to samples of svc.
func Distort(svc models.Service, samples []models.MetricSample, effects []scenario.Effect, m float64, correlationID string) []models.MetricSample {
	if m <= 0 {
		return samples
	}
	out := make([]models.MetricSample, len(samples))
	for idx, s := range samples {
		for _, e := range effects {
			typical := svc.Baseline.RangeFor(e.Metric).Typical
			v := e.Apply(s.Value(e.Metric), typical, m)
			switch e.Metric {
			case models.MetricErrorRate:
				s.ErrorRate = v
			case models.MetricLatency:
				s.LatencyMs = v
			case models.MetricCPU:
				s.CPUPercent = v
			case models.MetricMemory:
				s.MemoryPercent = v
			case models.MetricRPS:
				s.RequestsPerSecond = v
			case models.MetricConnections:
				s.ActiveConnections = int(v + 0.5)
			}
		}
		s.CorrelationID = correlationID
		out[idx] = s
	}
	return out
}

// logsPerHost is the expected number of incident logs per host at full magnitude.
const logsPerHost = 4

func (i *Injector) incidentLogs(svc models.Service, templates []scenario.LogTemplate, samples []models.MetricSample, m float64, ts time.Time, spread time.Duration, atLeastOne bool) []models.LogEvent {
	if m <= 0 || len(templates) == 0 {
		return nil
	}
	var out []models.LogEvent
	for h, host := range svc.Hosts {
		n := int(m*logsPerHost + i.rand.Float64())
		if atLeastOne && h == 0 && n == 0 {
			n = 1
		}
		latency := svc.Baseline.LatencyMs.Typical
		if h < len(samples) {
			latency = samples[h].LatencyMs
		}
		for k := 0; k < n; k++ {
			tpl := templates[i.rand.IntN(len(templates))]
			offset := time.Duration(i.rand.Float64() * float64(spread))
			out = append(out, i.renderLog(tpl, svc, host, ts.Add(offset), latency))
		}
	}
	return out
}

func (i *Injector) renderLog(tpl scenario.LogTemplate, svc models.Service, host string, ts time.Time, latency float64) models.LogEvent {
	var previous string
	var version string
	if d := i.def.Deployment; d != nil {
		previous, version = d.PreviousVersion, d.Version
	}
	msg := strings.NewReplacer(
		"{origin}", i.origin.Name,
		"{service}", svc.Name,
		"{host}", host,
		"{version}", version,
		"{previous}", previous,
	).Replace(tpl.Message)

	rt := int(latency*(0.8+0.4*i.rand.Float64()) + 0.5)
	if tpl.Slow {
		rt = 5000 + i.rand.IntN(25001)
	}
	if rt < 1 {
		rt = 1
	}
	return models.LogEvent{
		Service:        svc.Name,
		Host:           host,
		Timestamp:      ts,
		Level:          tpl.Level,
		Message:        msg,
		ErrorCode:      tpl.ErrorCode,
		TraceID:        fmt.Sprintf("trace-%08x", i.rand.Uint32()),
		RequestPath:    svc.Paths[i.rand.IntN(len(svc.Paths))],
		ResponseTimeMs: rt,
		CorrelationID:  i.state.ActivationID,
	}
}
