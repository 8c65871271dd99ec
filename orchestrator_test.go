package fencelock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockerAcquireSucceedsFirstTry(t *testing.T) {
	backend := &fakeBackend{acquireResults: []AcquireResult{{OK: true, LockID: "abc"}}}
	l := NewLocker(backend, nil, nil)

	h, err := l.Acquire(context.Background(), "key", 1000, DefaultAcquisitionOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.OK() || h.LockID() != "abc" {
		t.Errorf("unexpected handle: ok=%v lockId=%v", h.OK(), h.LockID())
	}
	if backend.acquireCalls != 1 {
		t.Errorf("expected a single acquire call, got %d", backend.acquireCalls)
	}
}

func TestLockerAcquireRetriesThroughContention(t *testing.T) {
	backend := &fakeBackend{
		acquireResults: []AcquireResult{{OK: false}, {OK: false}, {OK: true, LockID: "xyz"}},
	}
	l := NewLocker(backend, nil, nil)
	opts := AcquisitionOptions{MaxRetries: 5, RetryDelayMs: 1, Backoff: BackoffFixed, Jitter: JitterNone, TimeoutMs: 5000}

	h, err := l.Acquire(context.Background(), "key", 1000, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.LockID() != "xyz" {
		t.Errorf("expected eventual lockId xyz, got %v", h.LockID())
	}
	if backend.acquireCalls != 3 {
		t.Errorf("expected 3 acquire attempts, got %d", backend.acquireCalls)
	}
}

func TestLockerAcquireExhaustsMaxRetries(t *testing.T) {
	backend := &fakeBackend{acquireResults: []AcquireResult{{OK: false}}}
	l := NewLocker(backend, nil, nil)
	opts := AcquisitionOptions{MaxRetries: 2, RetryDelayMs: 1, Backoff: BackoffFixed, Jitter: JitterNone, TimeoutMs: 5000}

	_, err := l.Acquire(context.Background(), "key", 1000, opts)
	if !IsKind(err, KindAcquisitionTimeout) {
		t.Errorf("expected KindAcquisitionTimeout, got %v", err)
	}
	if backend.acquireCalls != 3 { // initial + 2 retries
		t.Errorf("expected 3 attempts, got %d", backend.acquireCalls)
	}
}

func TestLockerAcquireRespectsOverallTimeout(t *testing.T) {
	backend := &fakeBackend{acquireResults: []AcquireResult{{OK: false}}}
	l := NewLocker(backend, nil, nil)
	opts := AcquisitionOptions{MaxRetries: 1000, RetryDelayMs: 50, Backoff: BackoffFixed, Jitter: JitterNone, TimeoutMs: 30}

	start := time.Now()
	_, err := l.Acquire(context.Background(), "key", 1000, opts)
	elapsed := time.Since(start)

	if !IsKind(err, KindAcquisitionTimeout) {
		t.Errorf("expected KindAcquisitionTimeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("acquire took too long to respect timeout: %v", elapsed)
	}
}

func TestLockerAcquireHonorsCancellation(t *testing.T) {
	backend := &fakeBackend{acquireResults: []AcquireResult{{OK: false}}}
	l := NewLocker(backend, nil, nil)
	opts := AcquisitionOptions{MaxRetries: 1000, RetryDelayMs: 200, Backoff: BackoffFixed, Jitter: JitterNone, TimeoutMs: 10000}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := l.Acquire(ctx, "key", 1000, opts)
	if !IsKind(err, KindAborted) {
		t.Errorf("expected KindAborted, got %v", err)
	}
}

func TestLockerAcquireRejectsInvalidKey(t *testing.T) {
	backend := &fakeBackend{}
	l := NewLocker(backend, nil, nil)

	_, err := l.Acquire(context.Background(), "", 1000, DefaultAcquisitionOptions())
	if !IsKind(err, KindInvalidArgument) {
		t.Errorf("expected KindInvalidArgument, got %v", err)
	}
}

func TestLockerAcquireRejectsInvalidOptions(t *testing.T) {
	backend := &fakeBackend{}
	l := NewLocker(backend, nil, nil)
	bad := AcquisitionOptions{MaxRetries: -1, RetryDelayMs: 100, Backoff: BackoffFixed, Jitter: JitterNone, TimeoutMs: 1000}

	_, err := l.Acquire(context.Background(), "key", 1000, bad)
	if !IsKind(err, KindInvalidArgument) {
		t.Errorf("expected KindInvalidArgument, got %v", err)
	}
}

func TestLockerAcquireWrapsUntypedBackendError(t *testing.T) {
	backend := &fakeBackend{
		acquireResults: []AcquireResult{{}},
		acquireErrs:    []error{errors.New("raw transport error")},
	}
	l := NewLocker(backend, nil, nil)

	_, err := l.Acquire(context.Background(), "key", 1000, DefaultAcquisitionOptions())
	if !IsKind(err, KindInternal) {
		t.Errorf("expected KindInternal, got %v", err)
	}
}

func TestLockerRunReleasesOnSuccessAndFailure(t *testing.T) {
	backend := &fakeBackend{
		acquireResults: []AcquireResult{{OK: true, LockID: "abc"}},
		releaseResult:  MutationResult{OK: true},
	}
	l := NewLocker(backend, nil, nil)

	err := l.Run(context.Background(), "key", 1000, DefaultAcquisitionOptions(), func(ctx context.Context, h *LockHandle) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.releaseCallCount() != 1 {
		t.Errorf("expected release after successful fn, got %d calls", backend.releaseCallCount())
	}

	backend2 := &fakeBackend{
		acquireResults: []AcquireResult{{OK: true, LockID: "abc"}},
		releaseResult:  MutationResult{OK: true},
	}
	l2 := NewLocker(backend2, nil, nil)
	userErr := errors.New("user function failed")
	err = l2.Run(context.Background(), "key", 1000, DefaultAcquisitionOptions(), func(ctx context.Context, h *LockHandle) error {
		return userErr
	})
	if !errors.Is(err, userErr) {
		t.Errorf("expected user function's error to propagate, got %v", err)
	}
	if backend2.releaseCallCount() != 1 {
		t.Errorf("expected release after failed fn, got %d calls", backend2.releaseCallCount())
	}
}

func TestLockerWithKeyOptionsNamespacesKey(t *testing.T) {
	backend := &fakeBackend{acquireResults: []AcquireResult{{OK: true, LockID: "abc"}}}
	l := NewLocker(backend, nil, nil).WithKeyOptions(KeyOptions{Prefix: "tenant-1"})

	if _, err := l.Acquire(context.Background(), "key", 1000, DefaultAcquisitionOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.lastAcquireKey != "tenant-1:key" {
		t.Errorf("expected namespaced key %q, got %q", "tenant-1:key", backend.lastAcquireKey)
	}
}

func TestLockerWithKeyOptionsRejectsOverLimitKey(t *testing.T) {
	backend := &fakeBackend{}
	l := NewLocker(backend, nil, nil).WithKeyOptions(KeyOptions{Prefix: "p", Limit: 5})

	_, err := l.Acquire(context.Background(), "a long key", 1000, DefaultAcquisitionOptions())
	if !IsKind(err, KindInvalidArgument) {
		t.Errorf("expected KindInvalidArgument, got %v", err)
	}
}

func TestLockerRunRoutesReleaseErrorToHookNotToCaller(t *testing.T) {
	backend := &fakeBackend{
		acquireResults: []AcquireResult{{OK: true, LockID: "abc"}},
		releaseErr:     errors.New("release boom"),
	}
	var hookFired bool
	l := NewLocker(backend, nil, nil).WithReleaseErrorHook(func(ctx ReleaseErrorContext, err error) {
		hookFired = true
	})

	err := l.Run(context.Background(), "key", 1000, DefaultAcquisitionOptions(), func(ctx context.Context, h *LockHandle) error {
		return nil
	})
	if err != nil {
		t.Errorf("release failure must not propagate from Run, got %v", err)
	}
	if !hookFired {
		t.Error("expected onReleaseError hook to fire for disposal failure")
	}
}
