package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/lock"
	"github.com/miradorstack/resolve-sim/internal/metrics"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/sink"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("live driver already running")

// LiveConfig paces a live run.
type LiveConfig struct {
	// Step is the simulated time added per tick.
	Step time.Duration
	// Interval is the wall-clock time between ticks. Zero means Step.
	Interval time.Duration
	// Start is the simulated time of the first step. Zero means now.
	Start time.Time
	// LockKey names the shared activation lease.
	LockKey string
	LockTTL time.Duration
	// QueueDepth bounds steps waiting for the writer.
	QueueDepth int
	// DeadLetter receives documents the sink still refused after its own
	// retries. Nil keeps them in the in-memory replay buffer only.
	DeadLetter sink.Sink
	// ReplayLimit caps the documents held in memory for replay.
	ReplayLimit int
}

// LiveStatus is a point-in-time view of a live run.
type LiveStatus struct {
	Running  bool
	Stopping bool
	SimTime  time.Time
	Steps    int
	// Undelivered counts documents held in the replay buffer.
	Undelivered int
	// DeadLettered counts documents handed to the dead-letter sink.
	DeadLettered int
	// Dropped counts documents evicted from a full replay buffer.
	Dropped  int
	Scenario engine.Status
}

// UndeliveredBatch is one category's share of a step the sink refused.
type UndeliveredBatch struct {
	Step      time.Time
	Category  emitter.Category
	Documents []emitter.Document
}

type stepBatch struct {
	ts     time.Time
	groups []emitter.Group
}

// Live advances the pipeline on a ticker. Control calls may arrive from any
// goroutine; they take effect between steps.
type Live struct {
	logger   *slog.Logger
	pipeline *engine.Pipeline
	sink     sink.Sink
	locker   lock.Locker
	cfg      LiveConfig

	mu        sync.Mutex
	next      time.Time
	last      time.Time
	steps     int
	running   bool
	stopping  bool
	leaseHeld string
	leaseAt   time.Time

	failMu       sync.Mutex
	undelivered  []UndeliveredBatch
	held         int
	deadLettered int
	dropped      int
}

// NewLive builds a live driver. The pipeline must be built with AutoRecover
// unset so scenarios stay at peak until recovered.
func NewLive(logger *slog.Logger, pipeline *engine.Pipeline, s sink.Sink, locker lock.Locker, cfg LiveConfig) (*Live, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Step <= 0 {
		return nil, utils.NewConfigurationError("step", "must be positive", nil)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Step
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(time.Second)
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "resolve-sim:scenario"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 10000
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Live{
		logger:   logger,
		pipeline: pipeline,
		sink:     s,
		locker:   locker,
		cfg:      cfg,
		next:     cfg.Start.UTC(),
	}, nil
}

// Run ticks until ctx is cancelled or Stop is observed at a step boundary.
// Queued steps are flushed to the sink before Run returns.
func (l *Live) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	queue := make(chan stepBatch, l.cfg.QueueDepth)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(context.WithoutCancel(ctx), queue)
	}()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("live playback started", slog.Time("sim_start", l.cfg.Start), slog.Duration("step", l.cfg.Step), slog.Duration("interval", l.cfg.Interval))
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			batch, stop, err := l.tick(ctx)
			if err != nil {
				runErr = err
				break loop
			}
			if stop {
				break loop
			}
			select {
			case queue <- batch:
			case <-ctx.Done():
				break loop
			}
		}
	}
	close(queue)
	<-writerDone
	l.releaseLease(context.WithoutCancel(ctx))
	st := l.Status()
	attrs := []any{slog.Int("steps", st.Steps), slog.Int("undelivered", st.Undelivered), slog.Int("dead_lettered", st.DeadLettered)}
	if lat, ok := sinkLatency(l.sink); ok {
		attrs = append(attrs, slog.Duration("write_p50", lat.P50), slog.Duration("write_p95", lat.P95), slog.Duration("write_max", lat.Max))
	}
	l.logger.Info("live playback stopped", attrs...)
	return runErr
}

// tick produces the next step. It reports stop once a Stop request is
// pending, without producing a step.
func (l *Live) tick(ctx context.Context) (stepBatch, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return stepBatch{}, true, nil
	}
	ts := l.next
	step, err := l.pipeline.Step(ts)
	if err != nil {
		return stepBatch{}, false, err
	}
	groups, err := emitter.Step(step)
	if err != nil {
		return stepBatch{}, false, err
	}
	l.last = ts
	l.next = ts.Add(l.cfg.Step)
	l.steps++
	l.maintainLease(ctx)
	return stepBatch{ts: ts, groups: groups}, false, nil
}

// writeLoop writes each category of a step independently so one refused
// category does not hold back the others.
func (l *Live) writeLoop(ctx context.Context, queue <-chan stepBatch) {
	for batch := range queue {
		for _, g := range batch.groups {
			err := writeGroups(ctx, l.sink, []emitter.Group{g}, nil)
			if err == nil {
				continue
			}
			docs := g.Documents
			var exhausted *sink.BatchExhaustedError
			if errors.As(err, &exhausted) {
				docs = exhausted.Documents
			}
			l.logger.Error("live step write failed",
				slog.Time("step", batch.ts),
				slog.String("category", string(g.Category)),
				slog.Int("undelivered", len(docs)),
				slog.Any("error", err),
			)
			l.park(ctx, UndeliveredBatch{Step: batch.ts, Category: g.Category, Documents: docs})
		}
		logWrite(l.logger, batch.groups)
	}
}

// park hands refused documents to the dead-letter sink, falling back to the
// bounded replay buffer. The oldest held batches are evicted first.
func (l *Live) park(ctx context.Context, b UndeliveredBatch) {
	if len(b.Documents) == 0 {
		return
	}
	if l.cfg.DeadLetter != nil {
		ack, err := l.cfg.DeadLetter.WriteBatch(ctx, b.Category, b.Documents)
		if err == nil && ack.OK() {
			l.failMu.Lock()
			l.deadLettered += len(b.Documents)
			l.failMu.Unlock()
			return
		}
		l.logger.Error("dead-letter write failed", slog.String("category", string(b.Category)), slog.Any("error", err))
	}

	l.failMu.Lock()
	defer l.failMu.Unlock()
	l.undelivered = append(l.undelivered, b)
	l.held += len(b.Documents)
	for l.held > l.cfg.ReplayLimit && len(l.undelivered) > 1 {
		evicted := l.undelivered[0]
		l.undelivered = l.undelivered[1:]
		l.held -= len(evicted.Documents)
		l.dropped += len(evicted.Documents)
	}
}

// Undelivered returns the batches held for manual replay, oldest first.
func (l *Live) Undelivered() []UndeliveredBatch {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	out := make([]UndeliveredBatch, len(l.undelivered))
	for i, b := range l.undelivered {
		out[i] = UndeliveredBatch{Step: b.Step, Category: b.Category, Documents: append([]emitter.Document(nil), b.Documents...)}
	}
	return out
}

// Activate starts kind on origin at the upcoming step. Conflicts are
// reported as OutcomeConflict with a nil error.
func (l *Live) Activate(ctx context.Context, kind scenario.Kind, origin string) (injector.State, injector.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st := l.pipeline.Status(); st.Active {
		metrics.ObserveControl("activate", string(injector.OutcomeConflict))
		return st.State, injector.OutcomeConflict, nil
	}

	token := uuid.NewString()
	ok, err := l.locker.Acquire(ctx, l.cfg.LockKey, token, l.cfg.LockTTL)
	if err != nil {
		metrics.ObserveControl("activate", metrics.OutcomeError)
		return injector.State{}, "", utils.NewAppError("activate", "acquire scenario lease", err)
	}
	if !ok {
		metrics.ObserveControl("activate", string(injector.OutcomeConflict))
		l.logger.Warn("scenario lease held by another process", slog.String("key", l.cfg.LockKey))
		return injector.State{}, injector.OutcomeConflict, nil
	}

	st, err := l.pipeline.Activate(kind, origin, l.next)
	if err != nil {
		if relErr := l.locker.Release(ctx, l.cfg.LockKey, token); relErr != nil {
			l.logger.Warn("release scenario lease", slog.Any("error", relErr))
		}
		if utils.IsScenarioConflict(err) {
			metrics.ObserveControl("activate", string(injector.OutcomeConflict))
			return injector.State{}, injector.OutcomeConflict, nil
		}
		metrics.ObserveControl("activate", metrics.OutcomeError)
		return injector.State{}, "", err
	}
	l.leaseHeld = token
	l.leaseAt = time.Now()
	metrics.ObserveControl("activate", string(injector.OutcomeSuccess))
	return st, injector.OutcomeSuccess, nil
}

// Recover begins remediation of the active scenario at the upcoming step.
func (l *Live) Recover(ctx context.Context) (injector.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	outcome, err := l.pipeline.Recover(l.next)
	if err != nil {
		metrics.ObserveControl("recover", metrics.OutcomeError)
		return "", err
	}
	metrics.ObserveControl("recover", string(outcome))
	return outcome, nil
}

// Stop asks Run to return at the next step boundary.
func (l *Live) Stop() injector.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		metrics.ObserveControl("stop", string(injector.OutcomeNoop))
		return injector.OutcomeNoop
	}
	l.stopping = true
	metrics.ObserveControl("stop", string(injector.OutcomeSuccess))
	return injector.OutcomeSuccess
}

// Status reports the clock and scenario state.
func (l *Live) Status() LiveStatus {
	l.mu.Lock()
	st := LiveStatus{
		Running:  l.running,
		Stopping: l.stopping,
		SimTime:  l.last,
		Steps:    l.steps,
		Scenario: l.pipeline.Status(),
	}
	l.mu.Unlock()
	l.failMu.Lock()
	st.Undelivered = l.held
	st.DeadLettered = l.deadLettered
	st.Dropped = l.dropped
	l.failMu.Unlock()
	return st
}

// maintainLease extends a held lease and releases it once the scenario is
// no longer active. Caller holds mu.
func (l *Live) maintainLease(ctx context.Context) {
	if l.leaseHeld == "" {
		return
	}
	if !l.pipeline.Status().Active {
		l.releaseLeaseLocked(ctx)
		return
	}
	if time.Since(l.leaseAt) < l.cfg.LockTTL/3 {
		return
	}
	if err := l.locker.Extend(ctx, l.cfg.LockKey, l.leaseHeld, l.cfg.LockTTL); err != nil {
		l.logger.Warn("extend scenario lease", slog.Any("error", err))
		if errors.Is(err, lock.ErrNotHeld) {
			l.leaseHeld = ""
		}
		return
	}
	l.leaseAt = time.Now()
}

func (l *Live) releaseLease(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLeaseLocked(ctx)
}

func (l *Live) releaseLeaseLocked(ctx context.Context) {
	if l.leaseHeld == "" {
		return
	}
	if err := l.locker.Release(ctx, l.cfg.LockKey, l.leaseHeld); err != nil {
		l.logger.Warn("release scenario lease", slog.Any("error", err))
	}
	l.leaseHeld = ""
}
