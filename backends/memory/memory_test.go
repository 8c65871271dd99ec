package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/adrianmcphee/fencelock"
)

func newTestBackend(clock *int64) *Backend {
	return New(Options{
		Prefix: "test",
		Now:    func() int64 { return *clock },
	})
}

func TestAcquireThenContend(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	res, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !res.OK {
		t.Fatalf("first acquire = %+v, %v", res, err)
	}
	if res.Fence == "" {
		t.Error("expected a fence token on a fencing-capable backend")
	}

	second, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.OK {
		t.Error("expected contention on a live lock")
	}
}

func TestFenceStrictlyIncreasesAcrossSuccessfulAcquires(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	first, _ := b.Acquire(ctx, "widgets/1", 1000)
	if _, err := b.Release(ctx, first.LockID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := b.Acquire(ctx, "widgets/1", 1000)

	if !(first.Fence < second.Fence) {
		t.Errorf("expected strictly increasing fence tokens: %q then %q", first.Fence, second.Fence)
	}
}

func TestReleaseIsNotIdempotentAtBackendLevel(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	res, _ := b.Acquire(ctx, "widgets/1", 1000)
	first, err := b.Release(ctx, res.LockID)
	if err != nil || !first.OK {
		t.Fatalf("first release = %+v, %v", first, err)
	}
	second, err := b.Release(ctx, res.LockID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.OK {
		t.Error("second release of a gone record should not report ok")
	}
}

func TestReleaseWrongOwnerDoesNotTouchCurrentHolder(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	res, _ := b.Acquire(ctx, "widgets/1", 1000)
	impostor, err := fencelock.GenerateLockID()
	if err != nil {
		t.Fatal(err)
	}

	mutation, err := b.Release(ctx, impostor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("release with an unrelated lockId must not succeed")
	}

	locked, err := b.IsLocked(ctx, "widgets/1")
	if err != nil || !locked {
		t.Errorf("original holder's lock should be unaffected, locked=%v err=%v", locked, err)
	}
	_ = res
}

func TestExtendAdvancesExpiryAndIsObservable(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	res, _ := b.Acquire(ctx, "widgets/1", 1000)
	mutation, err := b.Extend(ctx, res.LockID, 5000)
	if err != nil || !mutation.OK {
		t.Fatalf("extend = %+v, %v", mutation, err)
	}
	if mutation.ExpiresAtMs <= res.ExpiresAtMs {
		t.Errorf("extended expiry %d should exceed original %d", mutation.ExpiresAtMs, res.ExpiresAtMs)
	}

	info, err := b.Lookup(ctx, fencelock.LookupQuery{LockID: res.LockID})
	if err != nil || info == nil {
		t.Fatalf("lookup after extend = %+v, %v", info, err)
	}
	if info.ExpiresAtMs != mutation.ExpiresAtMs {
		t.Errorf("lookup should reflect extended expiry: got %d want %d", info.ExpiresAtMs, mutation.ExpiresAtMs)
	}
}

func TestIsLockedReflectsExpiry(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	if _, err := b.Acquire(ctx, "widgets/1", 500); err != nil {
		t.Fatal(err)
	}
	locked, err := b.IsLocked(ctx, "widgets/1")
	if err != nil || !locked {
		t.Fatalf("expected locked immediately after acquire, got %v, %v", locked, err)
	}

	clock += 500 + fencelock.TimeToleranceMs + 1
	locked, err = b.IsLocked(ctx, "widgets/1")
	if err != nil || locked {
		t.Errorf("expected not locked past expiry+tolerance, got %v, %v", locked, err)
	}
}

func TestLookupDebugExposesRawIdentifiers(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	res, _ := b.Acquire(ctx, "widgets/1", 1000)
	info, err := b.LookupDebug(ctx, fencelock.LookupQuery{Key: "widgets/1"})
	if err != nil || info == nil {
		t.Fatalf("lookup debug = %+v, %v", info, err)
	}
	if info.LockID != res.LockID || info.Key != "widgets/1" {
		t.Errorf("unexpected debug info: %+v", info)
	}
}

func TestConcurrentAcquiresOnDistinctKeysAllSucceed(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]fencelock.AcquireResult, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			res, err := b.Acquire(ctx, key+string(rune('0'+i/26)), 5000)
			if err != nil {
				t.Errorf("acquire %d failed: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.OK {
			t.Errorf("acquire %d should have succeeded on a distinct key", i)
		}
	}
}

func TestAcquireRejectsEmptyKey(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)

	_, err := b.Acquire(context.Background(), "", 1000)
	if !fencelock.IsKind(err, fencelock.KindInvalidArgument) {
		t.Errorf("expected KindInvalidArgument, got %v", err)
	}
}

func TestFenceTokenAtCapacityBoundaryIsIssuedThenRejected(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	ctx := context.Background()

	fenceKey, err := b.fenceKey("widgets/1")
	if err != nil {
		t.Fatal(err)
	}
	b.fenceCounters[fenceKey] = fencelock.FenceCapacity - 1

	res, err := b.Acquire(ctx, "widgets/1", 1000)
	if err != nil || !res.OK {
		t.Fatalf("expected the top fence token to be issuable, got %+v, %v", res, err)
	}
	if res.Fence != "999999999999999" {
		t.Errorf("expected fence %q, got %q", "999999999999999", res.Fence)
	}

	if _, err := b.Release(ctx, res.LockID); err != nil {
		t.Fatal(err)
	}
	_, err = b.Acquire(ctx, "widgets/1", 1000)
	if !fencelock.IsKind(err, fencelock.KindInternal) {
		t.Errorf("expected the next acquire to be rejected at fence capacity, got %v", err)
	}
}

func TestCapabilityDeclaresFencing(t *testing.T) {
	clock := int64(1000)
	b := newTestBackend(&clock)
	capability := b.Capability()
	if !capability.SupportsFencing {
		t.Error("memory backend should declare fencing support")
	}
	if capability.TimeAuthority != fencelock.TimeAuthorityServer {
		t.Errorf("expected TimeAuthorityServer, got %v", capability.TimeAuthority)
	}
}
