package fencelock

import (
	"context"
	"math/rand"
	"time"
)

// KeyOptions configures the logical namespacing a Locker applies to every
// user-supplied key before handing it to the backend. This lets several
// Lockers share one Backend instance without colliding on the same key
// space; it is independent of whatever storage-key derivation the backend
// itself performs internally.
type KeyOptions struct {
	Prefix  string
	Limit   int
	Reserve int
}

func (o KeyOptions) withDefaults() KeyOptions {
	if o.Limit == 0 {
		o.Limit = 512
	}
	return o
}

// namespace joins the Locker's prefix onto key, rejecting the result if it
// would exceed the configured limit once reserve bytes are set aside.
func (o KeyOptions) namespace(key string) (string, error) {
	if o.Prefix == "" {
		return key, nil
	}
	namespaced := o.Prefix + ":" + key
	if max := o.Limit - o.Reserve; max > 0 && len(namespaced) > max {
		return "", invalidArgument("namespaced key exceeds configured limit")
	}
	return namespaced, nil
}

// Locker wraps a single-attempt Backend into the blocking, retrying acquire
// described by the acquisition orchestrator: bounded waiting with
// configurable backoff and jitter, and a convenience Run that guarantees a
// best-effort release around a user function.
type Locker struct {
	backend Backend
	logger  Logger
	metrics Metrics
	keys    KeyOptions

	onReleaseError   ReleaseErrorHook
	disposeTimeoutMs int64
}

// NewLocker builds a Locker around backend. logger and metrics may be nil,
// in which case no-op implementations are used.
func NewLocker(backend Backend, logger Logger, metrics Metrics) *Locker {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Locker{backend: backend, logger: logger, metrics: metrics}
}

// WithKeyOptions sets the prefix/limit/reserve this Locker namespaces every
// key with before passing it to the backend.
func (l *Locker) WithKeyOptions(opts KeyOptions) *Locker {
	l.keys = opts
	return l
}

// WithReleaseErrorHook sets the default onReleaseError hook used by handles
// this Locker produces, when the caller doesn't supply one per-call.
func (l *Locker) WithReleaseErrorHook(hook ReleaseErrorHook) *Locker {
	l.onReleaseError = hook
	return l
}

// WithDisposeTimeout bounds every handle's automatic scope-exit disposal:
// once ms elapses, the release call's context is cancelled. Honoring that
// cancellation is up to the backend adapter; disposal is best-effort
// regardless. A non-positive value (the default) disables the bound.
func (l *Locker) WithDisposeTimeout(ms int64) *Locker {
	l.disposeTimeoutMs = ms
	return l
}

// Acquire blocks, retrying the backend's single-attempt acquire with
// backoff and jitter, until it succeeds, the acquisition options' timeout
// elapses, ctx is cancelled, or the retry budget is exhausted. ttlMs of 0
// uses DefaultLockTTLMs.
func (l *Locker) Acquire(ctx context.Context, key string, ttlMs int64, opts AcquisitionOptions) (*LockHandle, error) {
	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return nil, err
	}
	normalized, err = l.keys.withDefaults().namespace(normalized)
	if err != nil {
		return nil, err
	}
	if ttlMs == 0 {
		ttlMs = DefaultLockTTLMs
	}
	if ttlMs < 0 {
		return nil, invalidArgument("ttlMs must be positive")
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindAborted, normalized, "", err)
	}

	start := time.Now()
	timeout := opts.Timeout()
	attempt := 0

	for {
		elapsed := time.Since(start)
		if elapsed >= timeout {
			l.metrics.Increment(MetricAcquireTimeout)
			return nil, newError(KindAcquisitionTimeout, normalized, "", nil)
		}
		if err := ctx.Err(); err != nil {
			return nil, newError(KindAborted, normalized, "", err)
		}

		res, err := l.backend.Acquire(ctx, normalized, ttlMs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError(KindAborted, normalized, "", ctx.Err())
			}
			wrapped := wrapUntyped(err)
			l.metrics.Increment(MetricAcquireFailed)
			return nil, wrapped
		}

		if res.OK {
			l.metrics.Increment(MetricAcquireSuccess)
			l.metrics.Timing(MetricAcquireDuration, time.Since(start))
			if attempt > 0 {
				l.metrics.Histogram(MetricAcquireRetries, float64(attempt))
			}
			return newLockHandle(l.backend, l.logger, l.metrics, normalized, res.LockID, true, l.onReleaseError, l.disposeTimeoutMs), nil
		}

		l.metrics.Increment(MetricContention)
		attempt++
		if attempt > opts.MaxRetries {
			l.metrics.Increment(MetricAcquireTimeout)
			return nil, newError(KindAcquisitionTimeout, normalized, "", nil)
		}

		remaining := timeout - time.Since(start)
		delay := nextRetryDelay(opts, attempt)
		if delay > remaining {
			delay = remaining
		}
		if delay <= 0 {
			l.metrics.Increment(MetricAcquireTimeout)
			return nil, newError(KindAcquisitionTimeout, normalized, "", nil)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(KindAborted, normalized, "", ctx.Err())
		}
	}
}

// nextRetryDelay computes the delay before the given attempt (1-indexed)
// per §4.6: exponential or fixed base, then equal/full/none jitter.
func nextRetryDelay(opts AcquisitionOptions, attempt int) time.Duration {
	base := opts.RetryDelay()
	if opts.Backoff == BackoffExponential {
		base = base * time.Duration(1<<uint(attempt-1))
	}

	switch opts.Jitter {
	case JitterFull:
		return time.Duration(rand.Int63n(int64(base)))
	case JitterEqual:
		half := base / 2
		return half + time.Duration(rand.Int63n(int64(half)))
	default:
		return base
	}
}

// Run acquires key, runs fn while the lock is held, and releases it as a
// best effort regardless of fn's outcome. fn's error (if any) is what
// Run returns; a release failure is never allowed to mask it and is instead
// routed to the Locker's onReleaseError hook.
func (l *Locker) Run(ctx context.Context, key string, ttlMs int64, opts AcquisitionOptions, fn func(ctx context.Context, h *LockHandle) error) error {
	handle, err := l.Acquire(ctx, key, ttlMs, opts)
	if err != nil {
		return err
	}
	defer handle.Dispose(ctx)

	return fn(ctx, handle)
}
