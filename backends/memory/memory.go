// Package memory is an in-process reference Backend standing in for the
// "document database with indexed queries" storage family: a map of lock
// records keyed by storage key, plus a secondary map indexing lockId back
// to its owning key, exactly the shape of an indexed document collection.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/adrianmcphee/fencelock"
)

const stripeCount = 64

type record struct {
	lockID       string
	key          string
	expiresAtMs  int64
	acquiredAtMs int64
	fence        int64
}

// Backend is an in-process, mutex-striped implementation of
// fencelock.Backend. Per-key mutual exclusion over lock records is provided
// by stripeCount independently-locked shards hashed by storage key, so the
// in-process reference adapter's contention characteristics stay
// representative of a real backend instead of serializing every key behind
// one global mutex. The reverse lockId->key index and the fence counters
// are comparatively low-contention bookkeeping and share one small global
// mutex, always acquired after any shard lock to keep lock ordering
// deadlock-free.
type Backend struct {
	prefix  string
	limit   int
	reserve int

	shards [stripeCount]*shard

	mu            sync.Mutex
	reverseIndex  map[string]string // lockId -> storage key S
	fenceCounters map[string]int64  // fence key F -> next token to issue

	now func() int64
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record // storage key S -> record
}

// Options configures the storage-key derivation this backend applies, and
// its test clock hook.
type Options struct {
	Prefix  string
	Limit   int // defaults to 512 when zero
	Reserve int
	Now     func() int64 // defaults to time.Now().UnixMilli when nil
}

// New builds an empty in-process Backend.
func New(opts Options) *Backend {
	if opts.Limit == 0 {
		opts.Limit = 512
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	b := &Backend{
		prefix:        opts.Prefix,
		limit:         opts.Limit,
		reserve:       opts.Reserve,
		reverseIndex:  make(map[string]string),
		fenceCounters: make(map[string]int64),
		now:           opts.Now,
	}
	for i := range b.shards {
		b.shards[i] = &shard{records: make(map[string]*record)}
	}
	return b
}

func (b *Backend) Capability() fencelock.Capability {
	return fencelock.Capability{SupportsFencing: true, TimeAuthority: fencelock.TimeAuthorityServer}
}

func stripeOf(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % stripeCount)
}

func (b *Backend) storageKey(key string) (string, error) {
	return fencelock.MakeStorageKey(b.prefix, key, b.limit, b.reserve)
}

func (b *Backend) fenceKey(key string) (string, error) {
	return fencelock.MakeFenceKey(b.prefix, key, b.limit, b.reserve)
}

func (b *Backend) nextFence(fenceKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.fenceCounters[fenceKey]
	if n >= fencelock.FenceCapacity {
		return 0, &fencelock.LockError{Kind: fencelock.KindInternal, Cause: fencelock.ErrInternal}
	}
	b.fenceCounters[fenceKey] = n + 1
	return n, nil
}

func (b *Backend) Acquire(ctx context.Context, key string, ttlMs int64) (fencelock.AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return fencelock.AcquireResult{}, &fencelock.LockError{Kind: fencelock.KindAborted, Key: key, Cause: err}
	}
	normalized, err := fencelock.NormalizeAndValidateKey(key)
	if err != nil {
		return fencelock.AcquireResult{}, err
	}
	storageKey, err := b.storageKey(normalized)
	if err != nil {
		return fencelock.AcquireResult{}, err
	}
	fenceKey, err := b.fenceKey(normalized)
	if err != nil {
		return fencelock.AcquireResult{}, err
	}

	now := b.now()
	sh := b.shards[stripeOf(storageKey)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[storageKey]; ok && fencelock.IsLive(existing.expiresAtMs, now, fencelock.TimeToleranceMs) {
		return fencelock.AcquireResult{OK: false}, nil
	}

	lockID, err := fencelock.GenerateLockID()
	if err != nil {
		return fencelock.AcquireResult{}, err
	}
	fenceN, err := b.nextFence(fenceKey)
	if err != nil {
		return fencelock.AcquireResult{}, err
	}
	fenceStr, err := fencelock.FormatFence(fenceN)
	if err != nil {
		return fencelock.AcquireResult{}, err
	}

	sh.records[storageKey] = &record{
		lockID:       lockID,
		key:          normalized,
		expiresAtMs:  now + ttlMs,
		acquiredAtMs: now,
		fence:        fenceN,
	}

	b.mu.Lock()
	b.reverseIndex[lockID] = storageKey
	b.mu.Unlock()

	return fencelock.AcquireResult{OK: true, LockID: lockID, ExpiresAtMs: now + ttlMs, Fence: fenceStr}, nil
}

// lookupStorageKey resolves a lockId to its storage key via the reverse
// index, without holding any shard lock.
func (b *Backend) lookupStorageKey(lockID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.reverseIndex[lockID]
	return s, ok
}

func (b *Backend) forgetReverseIndex(lockID string) {
	b.mu.Lock()
	delete(b.reverseIndex, lockID)
	b.mu.Unlock()
}

func (b *Backend) Release(ctx context.Context, lockID string) (fencelock.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return fencelock.MutationResult{}, &fencelock.LockError{Kind: fencelock.KindAborted, LockID: lockID, Cause: err}
	}
	if err := fencelock.ValidateLockID(lockID); err != nil {
		return fencelock.MutationResult{}, err
	}

	storageKey, ok := b.lookupStorageKey(lockID)
	if !ok {
		return fencelock.MutationResult{Reason: fencelock.ReasonNeverExisted}, nil
	}

	sh := b.shards[stripeOf(storageKey)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[storageKey]
	now := b.now()
	outcome := fencelock.RawOutcome{
		DocumentExists: exists,
		OwnershipValid: exists && rec.lockID == lockID,
		IsLive:         exists && fencelock.IsLive(rec.expiresAtMs, now, fencelock.TimeToleranceMs),
	}
	reason := fencelock.ClassifyMutation(outcome)
	if reason != fencelock.ReasonNone {
		return fencelock.MutationResult{Reason: reason}, nil
	}

	delete(sh.records, storageKey)
	b.forgetReverseIndex(lockID)
	return fencelock.MutationResult{OK: true}, nil
}

func (b *Backend) Extend(ctx context.Context, lockID string, ttlMs int64) (fencelock.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return fencelock.MutationResult{}, &fencelock.LockError{Kind: fencelock.KindAborted, LockID: lockID, Cause: err}
	}
	if err := fencelock.ValidateLockID(lockID); err != nil {
		return fencelock.MutationResult{}, err
	}

	storageKey, ok := b.lookupStorageKey(lockID)
	if !ok {
		return fencelock.MutationResult{Reason: fencelock.ReasonNeverExisted}, nil
	}

	sh := b.shards[stripeOf(storageKey)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[storageKey]
	now := b.now()
	outcome := fencelock.RawOutcome{
		DocumentExists: exists,
		OwnershipValid: exists && rec.lockID == lockID,
		IsLive:         exists && fencelock.IsLive(rec.expiresAtMs, now, fencelock.TimeToleranceMs),
	}
	reason := fencelock.ClassifyMutation(outcome)
	if reason != fencelock.ReasonNone {
		return fencelock.MutationResult{Reason: reason}, nil
	}

	rec.expiresAtMs = now + ttlMs
	return fencelock.MutationResult{OK: true, ExpiresAtMs: rec.expiresAtMs}, nil
}

func (b *Backend) IsLocked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &fencelock.LockError{Kind: fencelock.KindAborted, Key: key, Cause: err}
	}
	normalized, err := fencelock.NormalizeAndValidateKey(key)
	if err != nil {
		return false, err
	}
	storageKey, err := b.storageKey(normalized)
	if err != nil {
		return false, err
	}

	sh := b.shards[stripeOf(storageKey)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[storageKey]
	if !exists {
		return false, nil
	}
	now := b.now()
	if !fencelock.IsLive(rec.expiresAtMs, now, fencelock.TimeToleranceMs) {
		delete(sh.records, storageKey)
		b.forgetReverseIndex(rec.lockID)
		return false, nil
	}
	return true, nil
}

func (b *Backend) Lookup(ctx context.Context, q fencelock.LookupQuery) (*fencelock.LockInfo, error) {
	rec, err := b.resolve(ctx, q)
	if err != nil || rec == nil {
		return nil, err
	}
	fenceStr, ferr := fencelock.FormatFence(rec.fence)
	if ferr != nil {
		return nil, ferr
	}
	return &fencelock.LockInfo{
		KeyHash:      fencelock.HashKey(rec.key),
		LockIDHash:   fencelock.HashKey(rec.lockID),
		ExpiresAtMs:  rec.expiresAtMs,
		AcquiredAtMs: rec.acquiredAtMs,
		Fence:        fenceStr,
	}, nil
}

func (b *Backend) LookupDebug(ctx context.Context, q fencelock.LookupQuery) (*fencelock.DebugLockInfo, error) {
	rec, err := b.resolve(ctx, q)
	if err != nil || rec == nil {
		return nil, err
	}
	fenceStr, ferr := fencelock.FormatFence(rec.fence)
	if ferr != nil {
		return nil, ferr
	}
	return &fencelock.DebugLockInfo{
		Key:          rec.key,
		LockID:       rec.lockID,
		ExpiresAtMs:  rec.expiresAtMs,
		AcquiredAtMs: rec.acquiredAtMs,
		Fence:        fenceStr,
	}, nil
}

// resolve finds the live record matching q, by key or by lockId, applying
// the liveness predicate and opportunistically cleaning up an expired
// record it encounters.
func (b *Backend) resolve(ctx context.Context, q fencelock.LookupQuery) (*record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &fencelock.LockError{Kind: fencelock.KindAborted, Key: q.Key, LockID: q.LockID, Cause: err}
	}

	var storageKey string
	if q.LockID != "" {
		s, ok := b.lookupStorageKey(q.LockID)
		if !ok {
			return nil, nil
		}
		storageKey = s
	} else {
		normalized, err := fencelock.NormalizeAndValidateKey(q.Key)
		if err != nil {
			return nil, err
		}
		s, err := b.storageKey(normalized)
		if err != nil {
			return nil, err
		}
		storageKey = s
	}

	sh := b.shards[stripeOf(storageKey)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[storageKey]
	if !exists {
		return nil, nil
	}
	if q.LockID != "" && rec.lockID != q.LockID {
		return nil, nil
	}
	now := b.now()
	if !fencelock.IsLive(rec.expiresAtMs, now, fencelock.TimeToleranceMs) {
		delete(sh.records, storageKey)
		b.forgetReverseIndex(rec.lockID)
		return nil, nil
	}
	return rec, nil
}
