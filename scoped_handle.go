package fencelock

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

type handleState int

const (
	handleActive handleState = iota
	handleDisposing
	handleDisposed
)

// ReleaseErrorContext is the context passed to an onReleaseError hook: which
// lock failed to release, and where. The hook only sees failures of automatic
// scope-exit disposal, so Source is always "disposal"; errors from a manual
// Release are returned to its caller instead.
type ReleaseErrorContext struct {
	LockID string
	Key    string
	Source string // "disposal"
}

// ReleaseErrorHook observes a release failure that would otherwise be
// swallowed. It must never panic; LockHandle recovers it defensively anyway.
type ReleaseErrorHook func(ctx ReleaseErrorContext, err error)

// LockHandle is returned by Locker.Acquire for callers that want
// release-on-scope-exit semantics. It
// guarantees at-most-once network I/O for release across any interleaving
// of manual Release and automatic Dispose, via the active/disposing/disposed
// state machine from the concurrency model.
type LockHandle struct {
	backend Backend
	logger  Logger
	metrics Metrics

	key    string
	lockID string
	ok     bool // false when the originating acquire failed: Release/Extend are no-ops

	mu          sync.Mutex
	state       handleState
	disposeDone chan struct{}

	onReleaseError   ReleaseErrorHook
	disposeTimeoutMs int64
}

func newLockHandle(backend Backend, logger Logger, metrics Metrics, key, lockID string, ok bool, onReleaseError ReleaseErrorHook, disposeTimeoutMs int64) *LockHandle {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &LockHandle{
		backend:          backend,
		logger:           logger,
		metrics:          metrics,
		key:              key,
		lockID:           lockID,
		ok:               ok,
		onReleaseError:   onReleaseError,
		disposeTimeoutMs: disposeTimeoutMs,
	}
}

// OK reports whether the acquire that produced this handle actually
// succeeded. Always safe to call regardless of state.
func (h *LockHandle) OK() bool {
	return h.ok
}

// LockID returns the identifier of the held lock, or "" when OK() is false.
func (h *LockHandle) LockID() string {
	return h.lockID
}

// Release performs the first-caller-wins release: the first call dispatches
// to the backend and transitions the handle directly to disposed; every
// subsequent call (manual or via Dispose) is a no-op returning {OK: false}
// without I/O. Unlike Dispose, errors from the backend propagate to the
// caller, matching a direct backend call.
func (h *LockHandle) Release(ctx context.Context) (MutationResult, error) {
	if !h.ok {
		return MutationResult{}, nil
	}
	h.mu.Lock()
	if h.state != handleActive {
		h.mu.Unlock()
		return MutationResult{}, nil
	}
	h.state = handleDisposed
	h.mu.Unlock()

	res, err := h.backend.Release(ctx, h.lockID)
	if err != nil {
		h.metrics.Increment(MetricReleaseError)
		return res, err
	}
	if res.OK {
		h.metrics.Increment(MetricReleaseSuccess)
	} else {
		h.metrics.Increment(MetricReleaseNoop)
	}
	return res, nil
}

// Extend is not idempotent: it always dispatches to the backend regardless
// of how many times it has been called or whether disposal has begun.
func (h *LockHandle) Extend(ctx context.Context, ttlMs int64) (MutationResult, error) {
	if !h.ok {
		return MutationResult{}, nil
	}
	res, err := h.backend.Extend(ctx, h.lockID, ttlMs)
	if err != nil {
		h.metrics.Increment(MetricExtendError)
		return res, err
	}
	if res.OK {
		h.metrics.Increment(MetricExtendSuccess)
	} else {
		h.metrics.Increment(MetricExtendNoop)
	}
	return res, nil
}

// Dispose is the scope-exit operation: no-op if already disposed, waits for
// and shares the result of an in-flight disposal if one is running,
// otherwise attempts release exactly once, bounded by disposeTimeoutMs when
// one was configured (the release's context is cancelled once the timeout
// elapses; honoring that cancellation is up to the backend adapter). Errors
// are swallowed and routed to onReleaseError (or the default hook); the hook
// itself is guarded.
func (h *LockHandle) Dispose(ctx context.Context) {
	if !h.ok {
		return
	}
	h.mu.Lock()
	switch h.state {
	case handleDisposed:
		h.mu.Unlock()
		return
	case handleDisposing:
		done := h.disposeDone
		h.mu.Unlock()
		<-done
		return
	}
	h.state = handleDisposing
	h.disposeDone = make(chan struct{})
	h.mu.Unlock()

	releaseCtx := ctx
	if h.disposeTimeoutMs > 0 {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(ctx, time.Duration(h.disposeTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	_, err := h.backend.Release(releaseCtx, h.lockID)

	h.mu.Lock()
	h.state = handleDisposed
	done := h.disposeDone
	h.mu.Unlock()
	close(done)

	if err != nil {
		h.reportReleaseError(err)
	}
}

func (h *LockHandle) reportReleaseError(err error) {
	hook := h.onReleaseError
	if hook == nil {
		hook = defaultReleaseErrorHook(h.logger)
	}
	defer func() {
		_ = recover()
	}()
	hook(ReleaseErrorContext{LockID: h.lockID, Key: h.key, Source: "disposal"}, err)
}

// defaultReleaseErrorHook logs disposal errors as warnings outside
// production, or whenever FENCELOCK_DEBUG is set; it stays silent otherwise
// and never logs raw key or lockId: only the error's Kind is logged.
func defaultReleaseErrorHook(logger Logger) ReleaseErrorHook {
	return func(ctx ReleaseErrorContext, err error) {
		if os.Getenv("FENCELOCK_ENV") == "production" && os.Getenv("FENCELOCK_DEBUG") == "" {
			return
		}
		kind := "untyped"
		var le *LockError
		if errors.As(err, &le) {
			kind = le.Kind.String()
		}
		logger.Warn("lock release failed during disposal", "source", ctx.Source, "kind", kind)
	}
}
