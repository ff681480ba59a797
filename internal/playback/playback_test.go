package playback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/topology"
)

var windowStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, auto bool) (*topology.Topology, *engine.Pipeline) {
	t.Helper()
	topo, err := topology.Default()
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	cat, err := scenario.DefaultCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return topo, engine.NewPipeline(nil, topo, cat, engine.Options{Seed: 42, Step: time.Minute, AutoRecover: auto})
}

func runPoolBatch(t *testing.T) (*sink.MemorySink, Summary) {
	t.Helper()
	topo, p := newPipeline(t, true)
	books, err := scenario.Runbooks()
	if err != nil {
		t.Fatalf("runbooks: %v", err)
	}
	mem := sink.NewMemorySink()
	b, err := NewBatch(nil, topo, p, mem, BatchConfig{
		Start:       windowStart,
		Window:      120 * time.Minute,
		Step:        time.Minute,
		Seed:        42,
		Activations: []Scheduled{{Kind: scenario.KindPoolExhaustion, Offset: 58 * time.Minute}},
		Runbooks:    books,
		History:     true,
	})
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	summary, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return mem, summary
}

func TestBatchWritesRunbooksFirstAndHistory(t *testing.T) {
	mem, summary := runPoolBatch(t)
	books, _ := scenario.Runbooks()

	writes := mem.Writes()
	if len(writes) == 0 || writes[0].Category != emitter.CategoryRunbooks || writes[0].Count != len(books) {
		t.Fatalf("runbooks must be written first, got %+v", writes)
	}
	if summary.Steps != 120 {
		t.Fatalf("expected 120 steps, got %d", summary.Steps)
	}
	if summary.Total() == 0 || summary.Documents[emitter.CategoryMetrics] == 0 {
		t.Fatalf("expected documents, got %v", summary.Documents)
	}

	var history, correlated int
	for _, d := range mem.Documents(emitter.CategoryDeployments) {
		if d.Timestamp.Before(windowStart) {
			history++
			if d.CorrelationID != "" {
				t.Fatalf("historical deployment carries correlation id")
			}
			continue
		}
		if d.CorrelationID != "" {
			correlated++
		}
	}
	if history != 5 {
		t.Fatalf("expected 5 historical deployments, got %d", history)
	}
	if correlated == 0 {
		t.Fatalf("expected the scenario deployment")
	}

	var incident int
	for _, a := range mem.Documents(emitter.CategoryAlerts) {
		if a.CorrelationID != "" {
			incident++
		} else if !a.Timestamp.Before(windowStart) {
			t.Fatalf("uncorrelated alert inside the window")
		}
	}
	if incident != 1 {
		t.Fatalf("expected exactly one incident alert, got %d", incident)
	}
}

func TestBatchTimestampsNonDecreasingPerCategory(t *testing.T) {
	mem, _ := runPoolBatch(t)
	for _, c := range []emitter.Category{emitter.CategoryDeployments, emitter.CategoryAlerts, emitter.CategoryMetrics, emitter.CategoryLogs} {
		docs := mem.Documents(c)
		for i := 1; i < len(docs); i++ {
			if docs[i].Timestamp.Before(docs[i-1].Timestamp) {
				t.Fatalf("%s: document %d at %s precedes %s", c, i, docs[i].Timestamp, docs[i-1].Timestamp)
			}
		}
	}
}

func TestBatchIsReproducible(t *testing.T) {
	a, _ := runPoolBatch(t)
	b, _ := runPoolBatch(t)
	for _, c := range emitter.AllCategories {
		da, db := a.Documents(c), b.Documents(c)
		if len(da) != len(db) {
			t.Fatalf("%s: %d vs %d documents", c, len(da), len(db))
		}
		for i := range da {
			if !bytes.Equal(da[i].Source, db[i].Source) {
				t.Fatalf("%s: document %d differs", c, i)
			}
		}
	}
}

func TestBatchSummaryTimeline(t *testing.T) {
	_, summary := runPoolBatch(t)
	seen := map[string]bool{}
	for _, m := range summary.Milestones {
		seen[m.Event] = true
	}
	for _, e := range []string{"activated", "deployment", "alert", "resolved"} {
		if !seen[e] {
			t.Fatalf("missing milestone %q in %+v", e, summary.Milestones)
		}
	}
}

func TestNewBatchRejectsBadWindow(t *testing.T) {
	topo, p := newPipeline(t, true)
	mem := sink.NewMemorySink()
	if _, err := NewBatch(nil, topo, p, mem, BatchConfig{Start: windowStart, Window: time.Hour}); err == nil {
		t.Fatalf("expected error for zero step")
	}
	_, err := NewBatch(nil, topo, p, mem, BatchConfig{
		Start: windowStart, Window: time.Hour, Step: time.Minute,
		Activations: []Scheduled{{Kind: scenario.KindMemoryLeak, Offset: 2 * time.Hour}},
	})
	if err == nil {
		t.Fatalf("expected error for activation outside window")
	}
}

type failingSink struct{ sink.MemorySink }

func (f *failingSink) WriteBatch(ctx context.Context, c emitter.Category, docs []emitter.Document) (sink.Ack, error) {
	if c == emitter.CategoryMetrics {
		return sink.Ack{Failed: []int{0}}, nil
	}
	return sink.Ack{}, nil
}

func TestBatchStopsOnUndeliveredDocuments(t *testing.T) {
	topo, p := newPipeline(t, true)
	b, err := NewBatch(nil, topo, p, &failingSink{}, BatchConfig{Start: windowStart, Window: 10 * time.Minute, Step: time.Minute})
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	_, err = b.Run(context.Background())
	if !sink.IsBatchExhausted(err) {
		t.Fatalf("expected BatchExhaustedError, got %v", err)
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	acquired int
	released int
}

func (f *fakeLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grant {
		f.acquired++
	}
	return f.grant, nil
}

func (f *fakeLocker) Extend(context.Context, string, string, time.Duration) error { return nil }

func (f *fakeLocker) Release(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeLocker) Close() error { return nil }

func TestLiveActivateRecoverLifecycle(t *testing.T) {
	_, p := newPipeline(t, false)
	mem := sink.NewMemorySink()
	locker := &fakeLocker{grant: true}
	l, err := NewLive(nil, p, mem, locker, LiveConfig{Step: time.Minute, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	ctx := context.Background()
	tick := func(n int) {
		for i := 0; i < n; i++ {
			batch, stop, err := l.tick(ctx)
			if err != nil || stop {
				t.Fatalf("tick: stop=%v err=%v", stop, err)
			}
			if err := writeGroups(ctx, mem, batch.groups, nil); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}

	if out, _ := l.Recover(ctx); out != injector.OutcomeNoop {
		t.Fatalf("recover before activation: %s", out)
	}
	tick(3)
	st, out, err := l.Activate(ctx, scenario.KindPoolExhaustion, "")
	if err != nil || out != injector.OutcomeSuccess {
		t.Fatalf("activate: %s %v", out, err)
	}
	if st.Origin != "order-service" || st.ActivatedAt != windowStart.Add(3*time.Minute) {
		t.Fatalf("unexpected activation state %+v", st)
	}
	if _, out, _ := l.Activate(ctx, scenario.KindMemoryLeak, ""); out != injector.OutcomeConflict {
		t.Fatalf("second activation: %s", out)
	}

	tick(30)
	if phase := l.Status().Scenario.State.Phase; phase != injector.PhasePeak {
		t.Fatalf("without auto-recovery the scenario holds at peak, got %s", phase)
	}
	if out, _ := l.Recover(ctx); out != injector.OutcomeSuccess {
		t.Fatalf("recover: %s", out)
	}
	if out, _ := l.Recover(ctx); out != injector.OutcomeNoop {
		t.Fatalf("recover while recovering: %s", out)
	}

	tick(15)
	status := l.Status()
	if status.Scenario.Active || status.Scenario.State.Phase != injector.PhaseResolved {
		t.Fatalf("expected resolved, got %+v", status.Scenario)
	}
	if out, _ := l.Recover(ctx); out != injector.OutcomeAlreadyResolved {
		t.Fatalf("recover after resolution: %s", out)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("lease acquired %d released %d", locker.acquired, locker.released)
	}
	if len(mem.Documents(emitter.CategoryAlerts)) != 1 {
		t.Fatalf("expected one alert, got %d", len(mem.Documents(emitter.CategoryAlerts)))
	}
	if status.Steps != 48 || !status.SimTime.Equal(windowStart.Add(47*time.Minute)) {
		t.Fatalf("unexpected clock %d %s", status.Steps, status.SimTime)
	}
}

func tickInto(t *testing.T, l *Live, s sink.Sink) {
	t.Helper()
	ctx := context.Background()
	batch, stop, err := l.tick(ctx)
	if err != nil || stop {
		t.Fatalf("tick: stop=%v err=%v", stop, err)
	}
	if err := writeGroups(ctx, s, batch.groups, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLiveTimestampsNonDecreasingAcrossSteps(t *testing.T) {
	_, p := newPipeline(t, false)
	mem := sink.NewMemorySink()
	l, err := NewLive(nil, p, mem, nil, LiveConfig{Step: time.Minute, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	ctx := context.Background()

	tickInto(t, l, mem)
	tickInto(t, l, mem)
	if _, out, err := l.Activate(ctx, scenario.KindMemoryLeak, ""); err != nil || out != injector.OutcomeSuccess {
		t.Fatalf("activate: %s %v", out, err)
	}
	for i := 0; l.Status().Scenario.State.Phase != injector.PhasePeak; i++ {
		if i > 100 {
			t.Fatalf("scenario never peaked")
		}
		tickInto(t, l, mem)
	}
	tickInto(t, l, mem)
	if out, _ := l.Recover(ctx); out != injector.OutcomeSuccess {
		t.Fatalf("recover: %s", out)
	}
	for i := 0; l.Status().Scenario.Active; i++ {
		if i > 100 {
			t.Fatalf("scenario never resolved")
		}
		tickInto(t, l, mem)
	}
	tickInto(t, l, mem)

	restarts := 0
	for _, c := range emitter.StepOrder {
		docs := mem.Documents(c)
		for i := 1; i < len(docs); i++ {
			if docs[i].Timestamp.Before(docs[i-1].Timestamp) {
				t.Fatalf("%s: document %d at %s arrives after %s: %s", c, i, docs[i].Timestamp, docs[i-1].Timestamp, docs[i].Source)
			}
		}
		if c != emitter.CategoryLogs {
			continue
		}
		for _, d := range docs {
			if bytes.Contains(d.Source, []byte("restarted")) {
				restarts++
			}
		}
	}
	if restarts == 0 {
		t.Fatalf("expected pod restart logs after recovery")
	}
}

// refusingSink rejects metrics, either the whole batch or only the second
// document, and accepts everything else.
type refusingSink struct {
	partial bool
}

func (r *refusingSink) WriteBatch(_ context.Context, c emitter.Category, docs []emitter.Document) (sink.Ack, error) {
	if c != emitter.CategoryMetrics {
		return sink.Ack{}, nil
	}
	if r.partial && len(docs) > 1 {
		return sink.Ack{Failed: []int{1}}, nil
	}
	return sink.Ack{}, errors.New("cluster unavailable")
}

func (r *refusingSink) Close() error { return nil }

func drainOne(t *testing.T, l *Live) stepBatch {
	t.Helper()
	batch, stop, err := l.tick(context.Background())
	if err != nil || stop {
		t.Fatalf("tick: stop=%v err=%v", stop, err)
	}
	queue := make(chan stepBatch, 1)
	queue <- batch
	close(queue)
	l.writeLoop(context.Background(), queue)
	return batch
}

func groupDocs(batch stepBatch, c emitter.Category) []emitter.Document {
	for _, g := range batch.groups {
		if g.Category == c {
			return g.Documents
		}
	}
	return nil
}

func TestLiveKeepsRefusedDocumentsForReplay(t *testing.T) {
	_, p := newPipeline(t, false)
	l, err := NewLive(nil, p, &refusingSink{}, nil, LiveConfig{Step: time.Minute, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	batch := drainOne(t, l)
	want := groupDocs(batch, emitter.CategoryMetrics)

	held := l.Undelivered()
	if len(held) != 1 || held[0].Category != emitter.CategoryMetrics || !held[0].Step.Equal(windowStart) {
		t.Fatalf("expected the metrics batch held, got %+v", held)
	}
	if len(held[0].Documents) != len(want) {
		t.Fatalf("expected %d held documents, got %d", len(want), len(held[0].Documents))
	}
	for i := range want {
		if !bytes.Equal(held[0].Documents[i].Source, want[i].Source) {
			t.Fatalf("held document %d changed", i)
		}
	}
	if st := l.Status(); st.Undelivered != len(want) || st.Dropped != 0 || st.DeadLettered != 0 {
		t.Fatalf("unexpected counters %+v", st)
	}
}

func TestLiveKeepsOnlyRefusedItemsOfPartialBatch(t *testing.T) {
	_, p := newPipeline(t, false)
	l, err := NewLive(nil, p, &refusingSink{partial: true}, nil, LiveConfig{Step: time.Minute, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	batch := drainOne(t, l)
	metricsDocs := groupDocs(batch, emitter.CategoryMetrics)

	held := l.Undelivered()
	if len(held) != 1 || len(held[0].Documents) != 1 || !bytes.Equal(held[0].Documents[0].Source, metricsDocs[1].Source) {
		t.Fatalf("expected the refused metric held, got %+v", held)
	}
}

func TestLiveDeadLettersRefusedDocuments(t *testing.T) {
	_, p := newPipeline(t, false)
	dead := sink.NewMemorySink()
	l, err := NewLive(nil, p, &refusingSink{}, nil, LiveConfig{Step: time.Minute, Start: windowStart, DeadLetter: dead})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	batch := drainOne(t, l)
	want := len(groupDocs(batch, emitter.CategoryMetrics))

	if got := len(dead.Documents(emitter.CategoryMetrics)); got != want {
		t.Fatalf("expected %d dead-lettered metrics, got %d", want, got)
	}
	if len(l.Undelivered()) != 0 {
		t.Fatalf("dead-lettered documents must not stay in memory")
	}
	if st := l.Status(); st.DeadLettered != want || st.Undelivered != 0 {
		t.Fatalf("unexpected counters %+v", st)
	}
}

func TestLiveReplayBufferEvictsOldest(t *testing.T) {
	_, p := newPipeline(t, false)
	l, err := NewLive(nil, p, &refusingSink{}, nil, LiveConfig{Step: time.Minute, Start: windowStart, ReplayLimit: 1})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	first := drainOne(t, l)
	drainOne(t, l)

	held := l.Undelivered()
	if len(held) != 1 || !held[0].Step.Equal(windowStart.Add(time.Minute)) {
		t.Fatalf("expected only the newest batch held, got %+v", held)
	}
	st := l.Status()
	if st.Dropped != len(groupDocs(first, emitter.CategoryMetrics)) || st.Undelivered != len(held[0].Documents) {
		t.Fatalf("unexpected counters %+v", st)
	}
}

func TestLiveLeaseHeldElsewhereIsConflict(t *testing.T) {
	_, p := newPipeline(t, false)
	l, err := NewLive(nil, p, sink.NewMemorySink(), &fakeLocker{grant: false}, LiveConfig{Step: time.Minute, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}
	_, out, err := l.Activate(context.Background(), scenario.KindMemoryLeak, "")
	if err != nil || out != injector.OutcomeConflict {
		t.Fatalf("expected conflict, got %s %v", out, err)
	}
	if l.Status().Scenario.Active {
		t.Fatalf("rejected activation must leave the slot empty")
	}
}

func TestLiveRunStopsAtStepBoundary(t *testing.T) {
	_, p := newPipeline(t, false)
	mem := sink.NewMemorySink()
	l, err := NewLive(nil, p, mem, nil, LiveConfig{Step: time.Minute, Interval: time.Millisecond, Start: windowStart})
	if err != nil {
		t.Fatalf("new live: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for l.Status().Steps < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("live run made no progress")
		}
		time.Sleep(time.Millisecond)
	}
	if out := l.Stop(); out != injector.OutcomeSuccess {
		t.Fatalf("stop: %s", out)
	}
	if out := l.Stop(); out != injector.OutcomeNoop {
		t.Fatalf("second stop: %s", out)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stop")
	}

	steps := l.Status().Steps
	metricsDocs := mem.Documents(emitter.CategoryMetrics)
	if len(metricsDocs) == 0 || !metricsDocs[len(metricsDocs)-1].Timestamp.Equal(windowStart.Add(time.Duration(steps-1)*time.Minute)) {
		t.Fatalf("every produced step must be flushed before Run returns")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run after stop should return immediately: %v", err)
	}
}

func TestLiveRunRejectsConcurrentRun(t *testing.T) {
	_, p := newPipeline(t, false)
	l, _ := NewLive(nil, p, sink.NewMemorySink(), nil, LiveConfig{Step: time.Minute, Interval: time.Millisecond, Start: windowStart})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	for !l.Status().Running {
		time.Sleep(time.Millisecond)
	}
	if err := l.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
