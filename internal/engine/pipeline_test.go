package engine

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/propagation"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/topology"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, auto bool) *Pipeline {
	t.Helper()
	topo, err := topology.Default()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	cat, err := scenario.DefaultCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewPipeline(nil, topo, cat, Options{Seed: 42, Step: time.Minute, AutoRecover: auto})
}

// runWindow steps minute by minute for two hours, activating kind at T+58.
func runWindow(t *testing.T, p *Pipeline, kind scenario.Kind) []models.TimeStep {
	t.Helper()
	var steps []models.TimeStep
	for i := 0; i < 120; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if kind != "" && i == 58 {
			if _, err := p.Activate(kind, "", ts); err != nil {
				t.Fatalf("activate: %v", err)
			}
		}
		step, err := p.Step(ts)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		steps = append(steps, step)
	}
	return steps
}

// peakOf returns the service's highest error rate and the first step at
// which it came within 5% of it.
func peakOf(steps []models.TimeStep, service string) (time.Time, float64) {
	best := -1.0
	for _, st := range steps {
		for _, s := range st.Samples {
			if s.Service == service && s.ErrorRate > best {
				best = s.ErrorRate
			}
		}
	}
	for _, st := range steps {
		for _, s := range st.Samples {
			if s.Service == service && s.ErrorRate >= 0.95*best {
				return s.Timestamp, best
			}
		}
	}
	return time.Time{}, best
}

func TestPoolExhaustionEndToEnd(t *testing.T) {
	steps := runWindow(t, newPipeline(t, true), scenario.KindPoolExhaustion)

	var deployments []models.Deployment
	var alerts []models.Alert
	var firstError time.Time
	for _, st := range steps {
		deployments = append(deployments, st.Deployments...)
		alerts = append(alerts, st.Alerts...)
		for _, s := range st.Samples {
			if !s.WithinBounds() {
				t.Fatalf("sample out of bounds: %+v", s)
			}
		}
		for _, l := range st.Logs {
			if l.Service == "order-service" && l.Level.IsIncident() && firstError.IsZero() {
				firstError = l.Timestamp
			}
		}
	}

	if len(deployments) != 2 {
		t.Fatalf("expected scenario deployment plus rollback, got %+v", deployments)
	}
	bad, rollback := deployments[0], deployments[1]
	if bad.Service != "order-service" || bad.Version != "2.4.1" || bad.Status != models.DeploymentSuccess {
		t.Fatalf("unexpected scenario deployment %+v", bad)
	}
	if rollback.Status != models.DeploymentRollback || rollback.RollbackOf != "2.4.1" || !rollback.Timestamp.After(bad.Timestamp) {
		t.Fatalf("unexpected rollback %+v", rollback)
	}
	if firstError.Truncate(time.Minute).Sub(bad.Timestamp) != 2*time.Minute {
		t.Fatalf("first error %s should follow deployment %s by the onset delay", firstError, bad.Timestamp)
	}

	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	if alerts[0].Observed <= alerts[0].Threshold || alerts[0].CorrelationID != bad.CorrelationID {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}

	originAt, originPeak := peakOf(steps, "order-service")
	if originPeak < 0.4 || originPeak > 0.5 {
		t.Fatalf("origin peak error rate %v not ~45%%", originPeak)
	}
	for _, dep := range []string{"payment-service", "notification-service"} {
		at, peak := peakOf(steps, dep)
		if peak >= originPeak {
			t.Fatalf("%s peak %v should be below origin %v", dep, peak, originPeak)
		}
		if !at.After(originAt) {
			t.Fatalf("%s peaked at %s, not after origin at %s", dep, at, originAt)
		}
		if peak < 0.1 {
			t.Fatalf("%s barely distorted: %v", dep, peak)
		}
	}

	// Before the deployment everything is quiet.
	for _, st := range steps[:58] {
		for _, s := range st.Samples {
			if s.ErrorRate > 0.01 || s.CorrelationID != "" {
				t.Fatalf("pre-incident sample distorted: %+v", s)
			}
		}
	}
}

func TestMemoryLeakHasNoDeployments(t *testing.T) {
	steps := runWindow(t, newPipeline(t, true), scenario.KindMemoryLeak)
	var alerts int
	maxMem := 0.0
	for _, st := range steps {
		if len(st.Deployments) != 0 {
			t.Fatalf("memory leak produced deployments: %+v", st.Deployments)
		}
		alerts += len(st.Alerts)
		for _, s := range st.Samples {
			if s.Service == "user-service" && s.MemoryPercent > maxMem {
				maxMem = s.MemoryPercent
			}
		}
	}
	if alerts != 1 {
		t.Fatalf("expected one alert, got %d", alerts)
	}
	if maxMem < 88 {
		t.Fatalf("memory never approached exhaustion: %v", maxMem)
	}
}

func TestUnreachedServiceMatchesBaseline(t *testing.T) {
	quiet := runWindow(t, newPipeline(t, true), "")
	leak := runWindow(t, newPipeline(t, true), scenario.KindMemoryLeak)

	pick := func(steps []models.TimeStep, service string) ([]models.MetricSample, []models.LogEvent) {
		var samples []models.MetricSample
		var logs []models.LogEvent
		for _, st := range steps {
			for _, s := range st.Samples {
				if s.Service == service {
					samples = append(samples, s)
				}
			}
			for _, l := range st.Logs {
				if l.Service == service {
					logs = append(logs, l)
				}
			}
		}
		return samples, logs
	}

	// user-service is only called by api-gateway, so order-service never sees the leak.
	qs, ql := pick(quiet, "order-service")
	ls, ll := pick(leak, "order-service")
	if !reflect.DeepEqual(qs, ls) || !reflect.DeepEqual(ql, ll) {
		t.Fatalf("undistorted service diverged from baseline")
	}
}

func TestRunsAreReproducible(t *testing.T) {
	a := runWindow(t, newPipeline(t, true), scenario.KindPoolExhaustion)
	b := runWindow(t, newPipeline(t, true), scenario.KindPoolExhaustion)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("identical runs diverged")
	}
}

func TestStepsSortedWithinCategory(t *testing.T) {
	steps := runWindow(t, newPipeline(t, true), scenario.KindPoolExhaustion)
	var lastLog, lastDeploy time.Time
	for _, st := range steps {
		for _, l := range st.Logs {
			if l.Timestamp.Before(lastLog) {
				t.Fatalf("log timestamps regressed at %s", l.Timestamp)
			}
			lastLog = l.Timestamp
		}
		for _, d := range st.Deployments {
			if d.Timestamp.Before(lastDeploy) {
				t.Fatalf("deployment timestamps regressed at %s", d.Timestamp)
			}
			lastDeploy = d.Timestamp
		}
	}
}

func TestNonMonotonicStepAborts(t *testing.T) {
	p := newPipeline(t, false)
	if _, err := p.Step(base); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := p.Step(base); !errors.Is(err, ErrNonMonotonicStep) {
		t.Fatalf("expected ErrNonMonotonicStep, got %v", err)
	}
	if _, err := p.Activate(scenario.KindMemoryLeak, "", base.Add(-time.Minute)); !errors.Is(err, ErrNonMonotonicStep) {
		t.Fatalf("expected ErrNonMonotonicStep for stale activation, got %v", err)
	}
}

func TestActivateConflictAndRecover(t *testing.T) {
	p := newPipeline(t, false)
	if out, _ := p.Recover(base); out != injector.OutcomeNoop {
		t.Fatalf("recover without scenario should be noop, got %s", out)
	}
	if _, err := p.Activate(scenario.KindPoolExhaustion, "order-service", base); err != nil {
		t.Fatalf("activate: %v", err)
	}
	before := p.Status()
	_, err := p.Activate(scenario.KindMemoryLeak, "user-service", base)
	if !utils.IsScenarioConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if after := p.Status(); !reflect.DeepEqual(before, after) {
		t.Fatalf("conflict changed state")
	}
	if _, err := p.Activate(scenario.KindPoolExhaustion, "no-such-service", base); err == nil {
		t.Fatalf("expected error for unknown origin")
	}

	ts := base
	for p.Status().State.Phase != injector.PhasePeak {
		if _, err := p.Step(ts); err != nil {
			t.Fatalf("step: %v", err)
		}
		ts = ts.Add(time.Minute)
	}
	if out, err := p.Recover(ts); err != nil || out != injector.OutcomeSuccess {
		t.Fatalf("expected success, got %s %v", out, err)
	}
	step, _ := p.Step(ts)
	if len(step.Deployments) != 1 || step.Deployments[0].Status != models.DeploymentRollback {
		t.Fatalf("expected rollback in next step, got %+v", step.Deployments)
	}
	for p.Status().Active {
		ts = ts.Add(time.Minute)
		if _, err := p.Step(ts); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if out, _ := p.Recover(ts); out != injector.OutcomeAlreadyResolved {
		t.Fatalf("expected already-resolved, got %s", out)
	}
	if _, err := p.Activate(scenario.KindMemoryLeak, "", ts); err != nil {
		t.Fatalf("reactivation after resolve should succeed: %v", err)
	}
}

func TestMilestonesRecorded(t *testing.T) {
	p := newPipeline(t, true)
	runWindow(t, p, scenario.KindPoolExhaustion)
	events := map[string]bool{}
	for _, m := range p.Milestones() {
		events[m.Event] = true
	}
	for _, want := range []string{"deployment", "escalating", "peak", "alert", "recovering", "resolved"} {
		if !events[want] {
			t.Fatalf("missing milestone %s in %v", want, events)
		}
	}
	if RenderTimeline(p.Milestones()) == "" {
		t.Fatalf("empty rendering")
	}
}

func TestRecoverBeforePeakIsNoop(t *testing.T) {
	p := newPipeline(t, false)
	if _, err := p.Activate(scenario.KindPoolExhaustion, "", base); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ts := base
	for _, want := range []injector.Phase{injector.PhaseOnset, injector.PhaseEscalating} {
		for p.Status().State.Phase != want {
			if _, err := p.Step(ts); err != nil {
				t.Fatalf("step: %v", err)
			}
			ts = ts.Add(time.Minute)
		}
		if out, err := p.Recover(ts); err != nil || out != injector.OutcomeNoop {
			t.Fatalf("recover in %s: %s %v", want, out, err)
		}
		if got := p.Status().State.Phase; got != want {
			t.Fatalf("recover in %s moved the scenario to %s", want, got)
		}
	}
}

func TestQueuedRecordsNotBeforeTheirStep(t *testing.T) {
	p := newPipeline(t, false)
	if _, err := p.Activate(scenario.KindPoolExhaustion, "", base); err != nil {
		t.Fatalf("activate: %v", err)
	}
	last := base
	for {
		if _, err := p.Step(last); err != nil {
			t.Fatalf("step: %v", err)
		}
		if p.Status().State.Phase == injector.PhasePeak {
			break
		}
		last = last.Add(time.Minute)
	}
	// Remediation stamped at the step already emitted.
	if out, err := p.Recover(last); err != nil || out != injector.OutcomeSuccess {
		t.Fatalf("recover: %s %v", out, err)
	}
	next := last.Add(time.Minute)
	step, err := p.Step(next)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(step.Deployments) != 1 || !step.Deployments[0].Timestamp.Equal(next) {
		t.Fatalf("expected rollback at %s, got %+v", next, step.Deployments)
	}
	for _, l := range step.Logs {
		if l.Timestamp.Before(next) {
			t.Fatalf("log %q at %s precedes its step %s", l.Message, l.Timestamp, next)
		}
	}
}

// holding builds an activation whose origin has held magnitude m for the
// half hour before ts.
func holding(t *testing.T, p *Pipeline, kind scenario.Kind, id string, m float64, ts time.Time) *activation {
	t.Helper()
	def, ok := p.catalog.Get(kind)
	if !ok {
		t.Fatalf("unknown kind %s", kind)
	}
	svc, _ := p.topo.Service(def.Origin)
	prop, err := propagation.New(p.topo, def.Origin, def.Propagation)
	if err != nil {
		t.Fatalf("propagation: %v", err)
	}
	for at := ts.Add(-30 * time.Minute); at.Before(ts); at = at.Add(time.Minute) {
		prop.Record(at, m)
	}
	return &activation{inj: injector.New(def, svc, id, injector.Options{}), prop: prop}
}

func TestOverlappingActivationsDistortDependentsOnce(t *testing.T) {
	p := newPipeline(t, false)
	ts := base.Add(time.Hour)
	strong := holding(t, p, scenario.KindPoolExhaustion, "strong", 1, ts)
	weak := holding(t, p, scenario.KindCPUSaturation, "weak", 0.3, ts)
	p.active = strong
	p.draining = []*activation{weak}

	gen := p.gen.Step(ts)
	baseline := make([][]models.MetricSample, len(gen))
	samples := make([][]models.MetricSample, len(gen))
	for i, s := range gen {
		baseline[i] = s.Samples
		samples[i] = s.Samples
	}
	var step models.TimeStep
	p.distortDependents(ts, samples, &step)

	strongReach := map[int]float64{}
	for _, d := range strong.prop.At(ts) {
		strongReach[d.Index] = d.Magnitude
	}
	origin, _ := p.topo.IndexOf(strong.inj.State().Origin)
	if !reflect.DeepEqual(samples[origin], baseline[origin]) {
		t.Fatalf("active origin distorted as a dependent")
	}

	shared := 0
	services := p.topo.Services()
	for _, d := range weak.prop.At(ts) {
		if d.Index == origin || d.Magnitude <= 0 {
			continue
		}
		svc := services[d.Index]
		m, ok := strongReach[d.Index]
		want := injector.Distort(svc, baseline[d.Index], weak.inj.Variant().DependentEffects(), d.Magnitude, "weak")
		if ok && m > d.Magnitude {
			shared++
			want = injector.Distort(svc, baseline[d.Index], strong.inj.Variant().DependentEffects(), m, "strong")
		}
		if !reflect.DeepEqual(samples[d.Index], want) {
			t.Fatalf("%s: got %+v, want a single distortion %+v", svc.Name, samples[d.Index][0], want[0])
		}
	}
	if shared == 0 {
		t.Fatalf("scenarios share no dependent")
	}
}

func TestResolvingStepDistortsDependentsOnce(t *testing.T) {
	p := newPipeline(t, true)
	quiet := newPipeline(t, true)
	if _, err := p.Activate(scenario.KindPoolExhaustion, "", base); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for ts := base; ; ts = ts.Add(time.Minute) {
		step, err := p.Step(ts)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		ref, err := quiet.Step(ts)
		if err != nil {
			t.Fatalf("baseline step: %v", err)
		}
		if p.Status().Active {
			continue
		}
		if len(p.draining) != 1 {
			t.Fatalf("resolved scenario not draining")
		}
		a := p.draining[0]
		services := p.topo.Services()
		for _, d := range a.prop.At(ts) {
			if d.Magnitude <= 0 {
				continue
			}
			svc := services[d.Index]
			want := injector.Distort(svc, serviceSamples(ref, svc.Name), a.inj.Variant().DependentEffects(), d.Magnitude, a.inj.State().ActivationID)
			if got := serviceSamples(step, svc.Name); !reflect.DeepEqual(got, want) {
				t.Fatalf("%s at resolution: got %+v, want %+v", svc.Name, got[0], want[0])
			}
		}
		return
	}
}

func serviceSamples(step models.TimeStep, service string) []models.MetricSample {
	var out []models.MetricSample
	for _, s := range step.Samples {
		if s.Service == service {
			out = append(out, s)
		}
	}
	return out
}
