package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/metrics"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// BatchExhaustedError carries the documents a sink still refused after the
// final retry.
type BatchExhaustedError struct {
	Category  emitter.Category
	Documents []emitter.Document
	Attempts  int
	Err       error
}

func (e *BatchExhaustedError) Error() string {
	return fmt.Sprintf("sink %s: %d documents undelivered after %d attempts: %v", e.Category, len(e.Documents), e.Attempts, e.Err)
}

func (e *BatchExhaustedError) Unwrap() error { return e.Err }

// IsBatchExhausted reports whether err wraps a BatchExhaustedError.
func IsBatchExhausted(err error) bool {
	var exhausted *BatchExhaustedError
	return errors.As(err, &exhausted)
}

// RetryPolicy bounds the retries of one batch.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 25 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// RetryingSink retries total failures and resubmits only the failed items of
// partial ones, with exponential backoff between attempts.
type RetryingSink struct {
	next    Sink
	policy  RetryPolicy
	logger  *slog.Logger
	latency *utils.LatencyTracker
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryingSink wraps next.
func NewRetryingSink(next Sink, policy RetryPolicy, logger *slog.Logger) *RetryingSink {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryingSink{
		next:    next,
		policy:  policy,
		logger:  logger,
		latency: utils.NewLatencyTracker(256),
		sleep:   sleepContext,
	}
}

// Latency returns write latency percentiles over recent attempts.
func (r *RetryingSink) Latency() utils.LatencySnapshot {
	return r.latency.Snapshot()
}

// WriteBatch delivers docs or returns a BatchExhaustedError. The returned Ack
// lists indices into docs that were never stored.
func (r *RetryingSink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	pending := docs
	indices := make([]int, len(docs))
	for i := range indices {
		indices[i] = i
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.policy.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			metrics.ObserveSinkRetry(string(category))
			if err := r.sleep(ctx, r.policy.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		start := time.Now()
		ack, err := r.next.WriteBatch(ctx, category, pending)
		elapsed := time.Since(start)
		r.latency.Observe(elapsed)
		if err != nil {
			metrics.ObserveSinkWrite(string(category), elapsed, metrics.OutcomeError)
			r.logger.Warn("sink write failed",
				slog.String("category", string(category)),
				slog.Int("documents", len(pending)),
				slog.Int("attempt", attempts),
				slog.Any("error", err),
			)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.ObserveSinkWrite(string(category), elapsed, metrics.OutcomeSuccess)

		failed, err := validFailures(ack.Failed, len(pending))
		if err != nil {
			lastErr = err
			continue
		}
		metrics.ObserveDocuments(string(category), len(pending)-len(failed))
		if len(failed) == 0 {
			return Ack{}, nil
		}

		nextPending := make([]emitter.Document, 0, len(failed))
		nextIndices := make([]int, 0, len(failed))
		for _, f := range failed {
			nextPending = append(nextPending, pending[f])
			nextIndices = append(nextIndices, indices[f])
		}
		pending, indices = nextPending, nextIndices
		lastErr = fmt.Errorf("%d documents rejected", len(failed))
		r.logger.Warn("sink rejected documents",
			slog.String("category", string(category)),
			slog.Int("rejected", len(failed)),
			slog.Int("attempt", attempts),
		)
	}

	if len(pending) == 0 {
		return Ack{}, nil
	}
	return Ack{Failed: indices}, &BatchExhaustedError{
		Category:  category,
		Documents: pending,
		Attempts:  attempts,
		Err:       lastErr,
	}
}

// Close closes the wrapped sink.
func (r *RetryingSink) Close() error {
	return r.next.Close()
}

func validFailures(failed []int, n int) ([]int, error) {
	seen := make(map[int]bool, len(failed))
	out := make([]int, 0, len(failed))
	for _, f := range failed {
		if f < 0 || f >= n {
			return nil, fmt.Errorf("sink reported failure index %d outside batch of %d", f, n)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
