package redislua

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/fencelock"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, Options{Prefix: "test"}), mr
}

func TestAcquireThenContend(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !res.OK {
		t.Fatalf("first acquire = %+v, %v", res, err)
	}
	if res.Fence == "" {
		t.Error("expected a fence token")
	}

	second, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.OK {
		t.Error("expected contention on a live lock")
	}
}

func TestReleaseThenReacquireFenceIncreases(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	first, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !first.OK {
		t.Fatalf("acquire = %+v, %v", first, err)
	}
	mutation, err := b.Release(ctx, first.LockID)
	if err != nil || !mutation.OK {
		t.Fatalf("release = %+v, %v", mutation, err)
	}

	second, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !second.OK {
		t.Fatalf("second acquire = %+v, %v", second, err)
	}
	if !(first.Fence < second.Fence) {
		t.Errorf("expected strictly increasing fence: %q then %q", first.Fence, second.Fence)
	}
}

func TestReleaseUnknownLockIDIsNotFound(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	unknown, _ := fencelock.GenerateLockID()
	mutation, err := b.Release(ctx, unknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("release of an unknown lockId should not report ok")
	}
}

func TestExtendAdvancesExpiry(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Acquire(ctx, "widgets/1", 1000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	mutation, err := b.Extend(ctx, res.LockID, 60000)
	if err != nil || !mutation.OK {
		t.Fatalf("extend = %+v, %v", mutation, err)
	}
	if mutation.ExpiresAtMs <= res.ExpiresAtMs {
		t.Errorf("extended expiry %d should exceed original %d", mutation.ExpiresAtMs, res.ExpiresAtMs)
	}
}

func TestExtendWrongOwnerFails(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Acquire(ctx, "widgets/1", 60000); err != nil {
		t.Fatal(err)
	}
	impostor, _ := fencelock.GenerateLockID()
	mutation, err := b.Extend(ctx, impostor, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mutation.OK {
		t.Error("extend with an unrelated lockId must not succeed")
	}
}

func TestIsLockedReflectsTTLExpiry(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Acquire(ctx, "widgets/1", 1000); err != nil {
		t.Fatal(err)
	}
	locked, err := b.IsLocked(ctx, "widgets/1")
	if err != nil || !locked {
		t.Fatalf("expected locked, got %v, %v", locked, err)
	}

	mr.FastForward(2 * time.Second)
	locked, err = b.IsLocked(ctx, "widgets/1")
	if err != nil || locked {
		t.Errorf("expected not locked after TTL expiry, got %v, %v", locked, err)
	}
}

func TestLookupReturnsSanitizedInfo(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}

	info, err := b.Lookup(ctx, fencelock.LookupQuery{Key: "widgets/1"})
	if err != nil || info == nil {
		t.Fatalf("lookup = %+v, %v", info, err)
	}
	if info.KeyHash != fencelock.HashKey("widgets/1") {
		t.Errorf("unexpected keyHash")
	}
	if info.LockIDHash != fencelock.HashKey(res.LockID) {
		t.Errorf("unexpected lockIdHash")
	}
	if info.Fence != res.Fence {
		t.Errorf("fence = %q, want %q", info.Fence, res.Fence)
	}
}

func TestLookupDebugByLockID(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Acquire(ctx, "widgets/1", 5000)
	if err != nil || !res.OK {
		t.Fatalf("acquire = %+v, %v", res, err)
	}

	info, err := b.LookupDebug(ctx, fencelock.LookupQuery{LockID: res.LockID})
	if err != nil || info == nil {
		t.Fatalf("lookup debug = %+v, %v", info, err)
	}
	if info.Key != "widgets/1" || info.LockID != res.LockID {
		t.Errorf("unexpected debug info: %+v", info)
	}
}

func TestFenceTokenAtCapacityBoundaryIsIssuedThenRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	fenceKey, err := b.fenceKey("widgets/1")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.client.Set(ctx, fenceKey, fencelock.FenceCapacity-1, 0).Err(); err != nil {
		t.Fatal(err)
	}

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
	b, _ := newTestBackend(t)
	capability := b.Capability()
	if !capability.SupportsFencing {
		t.Error("redislua backend should declare fencing support")
	}
}
