// Package backendconformance is a property-based suite any fencelock.Backend
// implementation must pass, so adapters don't each hand-roll the same
// acquire/release/extend edge cases. An adapter's own _test.go wires this in
// with a single call to Run, supplying a fresh backend per sub-test and (for
// backends with a real clock) a way to advance time.
package backendconformance

import (
	"context"
	"testing"
	"time"

	"github.com/adrianmcphee/fencelock"
)

// Harness parameterizes the suite over one backend implementation.
type Harness struct {
	// New returns a backend with an empty namespace, ready for a single
	// sub-test. Called once per property.
	New func(t *testing.T) fencelock.Backend

	// Advance moves the backend's clock forward by d, if it has one under
	// the test's control (e.g. miniredis.FastForward, an injected Now
	// func). Backends whose liveness is judged purely by wall-clock time
	// with no test seam can instead sleep for real by setting
	// RealSleep: true.
	Advance func(t *testing.T, b fencelock.Backend, d time.Duration)

	// RealSleep, when true, makes the suite use time.Sleep instead of
	// Advance for TTL-expiry tests. Use for backends with no clock seam.
	RealSleep bool
}

func (h *Harness) advance(t *testing.T, b fencelock.Backend, d time.Duration) {
	t.Helper()
	if h.RealSleep {
		time.Sleep(d)
		return
	}
	if h.Advance == nil {
		t.Fatal("harness has neither Advance nor RealSleep configured")
	}
	h.Advance(t, b, d)
}

// Run registers every conformance property as a sub-test of t.
func Run(t *testing.T, h *Harness) {
	t.Run("AcquireGrantsOnFreeKey", h.testAcquireGrantsOnFreeKey)
	t.Run("AcquireContendsOnLiveKey", h.testAcquireContendsOnLiveKey)
	t.Run("FenceStrictlyIncreasesAcrossReacquire", h.testFenceStrictlyIncreases)
	t.Run("ReleaseIsAtMostOnce", h.testReleaseAtMostOnce)
	t.Run("ReleaseByWrongOwnerDoesNotInterfere", h.testReleaseWrongOwner)
	t.Run("ReleaseOfUnknownLockIDIsNotFound", h.testReleaseUnknown)
	t.Run("ExtendAdvancesExpiryStrictly", h.testExtendAdvancesExpiry)
	t.Run("ExtendByWrongOwnerFails", h.testExtendWrongOwner)
	t.Run("ExpiredLockCanBeReacquired", h.testExpiredLockReacquirable)
	t.Run("IsLockedMatchesLiveness", h.testIsLockedMatchesLiveness)
	t.Run("LookupReturnsNilForAbsentKey", h.testLookupAbsent)
	t.Run("LookupDebugHidesNothingButIsConsistentWithLookup", h.testLookupDebugConsistency)
	t.Run("CapabilityIsStableAcrossCalls", h.testCapabilityStable)
}

func (h *Harness) testAcquireGrantsOnFreeKey(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	res, err := b.Acquire(ctx, "k", 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.OK {
		t.Fatal("expected acquire on a key nobody holds to succeed")
	}
	if err := fencelock.ValidateLockID(res.LockID); err != nil {
		t.Errorf("lockId %q failed format validation: %v", res.LockID, err)
	}
}

func (h *Harness) testAcquireContendsOnLiveKey(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	if _, err := b.Acquire(ctx, "k", 5000); err != nil {
		t.Fatal(err)
	}
	second, err := b.Acquire(ctx, "k", 5000)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if second.OK {
		t.Error("expected contention on a live key")
	}
}

func (h *Harness) testFenceStrictlyIncreases(t *testing.T) {
	b := h.New(t)
	if !b.Capability().SupportsFencing {
		t.Skip("backend does not support fencing")
	}
	ctx := context.Background()

	var prev string
	for i := 0; i < 3; i++ {
		res, err := b.Acquire(ctx, "k", 5000)
		if err != nil || !res.OK {
			t.Fatalf("acquire[%d] = %+v, %v", i, res, err)
		}
		if i > 0 && !(prev < res.Fence) {
			t.Errorf("fence did not strictly increase: %q then %q", prev, res.Fence)
		}
		prev = res.Fence
		if _, err := b.Release(ctx, res.LockID); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *Harness) testReleaseAtMostOnce(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	res, err := b.Acquire(ctx, "k", 5000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	first, err := b.Release(ctx, res.LockID)
	if err != nil || !first.OK {
		t.Fatalf("first release = %+v, %v", first, err)
	}
	second, err := b.Release(ctx, res.LockID)
	if err != nil {
		t.Fatalf("second release errored: %v", err)
	}
	if second.OK {
		t.Error("releasing an already-released lockId must not report ok twice")
	}
}

func (h *Harness) testReleaseWrongOwner(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	res, err := b.Acquire(ctx, "k", 5000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	impostor, _ := fencelock.GenerateLockID()
	mutation, err := b.Release(ctx, impostor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("release by an unrelated lockId must not succeed")
	}
	locked, err := b.IsLocked(ctx, "k")
	if err != nil || !locked {
		t.Errorf("original holder's lock should remain held, got %v, %v", locked, err)
	}
}

func (h *Harness) testReleaseUnknown(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	unknown, _ := fencelock.GenerateLockID()
	mutation, err := b.Release(ctx, unknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("release of a never-issued lockId must not succeed")
	}
}

func (h *Harness) testExtendAdvancesExpiry(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	res, err := b.Acquire(ctx, "k", 1000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	mutation, err := b.Extend(ctx, res.LockID, 60000)
	if err != nil || !mutation.OK {
		t.Fatalf("extend = %+v, %v", mutation, err)
	}
	if mutation.ExpiresAtMs <= res.ExpiresAtMs {
		t.Errorf("extended expiry %d must exceed original %d", mutation.ExpiresAtMs, res.ExpiresAtMs)
	}
}

func (h *Harness) testExtendWrongOwner(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	if _, err := b.Acquire(ctx, "k", 60000); err != nil {
		t.Fatal(err)
	}
	impostor, _ := fencelock.GenerateLockID()
	mutation, err := b.Extend(ctx, impostor, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("extend by an unrelated lockId must not succeed")
	}
}

func (h *Harness) testExpiredLockReacquirable(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	first, err := b.Acquire(ctx, "k", 500)
	if err != nil || !first.OK {
		t.Fatalf("acquire = %+v, %v", first, err)
	}
	h.advance(t, b, 2*time.Second)

	second, err := b.Acquire(ctx, "k", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.OK {
		t.Error("expected a re-acquire to succeed once the prior holder's TTL elapsed")
	}
}

func (h *Harness) testIsLockedMatchesLiveness(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	locked, err := b.IsLocked(ctx, "k")
	if err != nil || locked {
		t.Fatalf("expected not locked before any acquire, got %v, %v", locked, err)
	}
	if _, err := b.Acquire(ctx, "k", 500); err != nil {
		t.Fatal(err)
	}
	locked, err = b.IsLocked(ctx, "k")
	if err != nil || !locked {
		t.Fatalf("expected locked immediately after acquire, got %v, %v", locked, err)
	}
	h.advance(t, b, 2*time.Second)
	locked, err = b.IsLocked(ctx, "k")
	if err != nil || locked {
		t.Errorf("expected not locked after TTL elapsed, got %v, %v", locked, err)
	}
}

func (h *Harness) testLookupAbsent(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	info, err := b.Lookup(ctx, fencelock.LookupQuery{Key: "nope"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil for an absent key, got %+v", info)
	}
}

func (h *Harness) testLookupDebugConsistency(t *testing.T) {
	b := h.New(t)
	ctx := context.Background()
	res, err := b.Acquire(ctx, "k", 5000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}

	info, err := b.Lookup(ctx, fencelock.LookupQuery{Key: "k"})
	if err != nil || info == nil {
		t.Fatalf("lookup = %+v, %v", info, err)
	}
	debug, err := b.LookupDebug(ctx, fencelock.LookupQuery{Key: "k"})
	if err != nil || debug == nil {
		t.Fatalf("lookup debug = %+v, %v", debug, err)
	}

	if info.KeyHash != fencelock.HashKey(debug.Key) {
		t.Error("lookup keyHash must equal hash of lookup-debug's raw key")
	}
	if info.LockIDHash != fencelock.HashKey(debug.LockID) {
		t.Error("lookup lockIdHash must equal hash of lookup-debug's raw lockId")
	}
	if info.ExpiresAtMs != debug.ExpiresAtMs || info.Fence != debug.Fence {
		t.Error("lookup and lookup-debug must agree on expiresAtMs and fence")
	}
	if debug.LockID != res.LockID {
		t.Errorf("lookup-debug lockId = %q, want %q", debug.LockID, res.LockID)
	}
}

func (h *Harness) testCapabilityStable(t *testing.T) {
	b := h.New(t)
	first := b.Capability()
	second := b.Capability()
	if first != second {
		t.Errorf("capability changed across calls: %+v then %+v", first, second)
	}
}
