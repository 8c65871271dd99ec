// Package redislua is the "Lua-scriptable in-memory store" reference
// Backend, built on github.com/redis/go-redis/v9. Every mutating operation
// is a single EVAL'ed Lua script so the read-check-write sequence is
// atomic from Redis's point of view.
package redislua

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/fencelock"
)

// Backend is a Redis-backed implementation of fencelock.Backend. A lock
// record is a Redis hash at the storage key; the reverse index is a plain
// string key mapping lockId to its storage key; the fence counter is a
// plain INCR counter at the derived fence key.
type Backend struct {
	client  *redis.Client
	logger  fencelock.Logger
	metrics fencelock.Metrics
	breaker *fencelock.CircuitBreaker

	prefix  string
	limit   int
	reserve int

	now func() int64
}

// Options configures a Backend.
type Options struct {
	Prefix  string
	Limit   int // defaults to 512 when zero
	Reserve int
	Logger  fencelock.Logger
	Metrics fencelock.Metrics
	Breaker *fencelock.CircuitBreaker // nil disables circuit breaking
	Now     func() int64
}

// New builds a Backend around an existing Redis client. The caller owns
// the client's lifecycle.
func New(client *redis.Client, opts Options) *Backend {
	if opts.Limit == 0 {
		opts.Limit = 512
	}
	if opts.Logger == nil {
		opts.Logger = &fencelock.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &fencelock.NoOpMetrics{}
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Backend{
		client:  client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		breaker: opts.Breaker,
		prefix:  opts.Prefix,
		limit:   opts.Limit,
		reserve: opts.Reserve,
		now:     opts.Now,
	}
}

func (b *Backend) Capability() fencelock.Capability {
	return fencelock.Capability{SupportsFencing: true, TimeAuthority: fencelock.TimeAuthorityServer}
}

func (b *Backend) storageKey(key string) (string, error) {
	return fencelock.MakeStorageKey(b.prefix, key, b.limit, b.reserve)
}

func (b *Backend) fenceKey(key string) (string, error) {
	return fencelock.MakeFenceKey(b.prefix, key, b.limit, b.reserve)
}

func (b *Backend) reverseKey(lockID string) string {
	return b.prefix + ":rev:" + lockID
}

// run executes fn, optionally through the circuit breaker, and returns its
// error unchanged; callers classify it with wrapRedisErr.
func (b *Backend) run(ctx context.Context, fn func() error) error {
	if b.breaker != nil {
		return b.breaker.Execute(ctx, fn)
	}
	return fn()
}

// acquireScript atomically checks for a live record, increments the fence
// counter (refusing at capacity), writes the hash and reverse index, and
// sets TTLs on both. Returns {1, expiresAtMs, fence} on success, {0} on
// contention, or {-1} when the fence counter has reached capacity.
var acquireScript = redis.NewScript(`
local S = KEYS[1]
local F = KEYS[2]
local rev = KEYS[3]
local lockId = ARGV[1]
local key = ARGV[2]
local ttlMs = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local tolerance = tonumber(ARGV[5])
local capacity = tonumber(ARGV[6])

local existingLockId = redis.call("HGET", S, "lockId")
if existingLockId then
  local expiresAt = tonumber(redis.call("HGET", S, "expiresAtMs"))
  if expiresAt and expiresAt > now - tolerance then
    return {0}
  end
end

local fence = tonumber(redis.call("GET", F) or "0")
if fence >= capacity then
  return {-1}
end
redis.call("INCR", F)

local expiresAtMs = now + ttlMs
redis.call("HSET", S, "lockId", lockId, "expiresAtMs", expiresAtMs, "acquiredAtMs", now, "fence", fence, "key", key)
redis.call("PEXPIRE", S, ttlMs + tolerance)
redis.call("SET", rev, S, "PX", ttlMs + tolerance)

return {1, expiresAtMs, fence}
`)

// mutateScript implements both release (del=1) and extend (del=0),
// returning a fencelock.ScriptCode-compatible integer: 0 succeeded,
// 1 never-existed, 2 observable-expired, 3 ownership-mismatch.
var mutateScript = redis.NewScript(`
local rev = KEYS[1]
local lockId = ARGV[1]
local now = tonumber(ARGV[2])
local tolerance = tonumber(ARGV[3])
local del = tonumber(ARGV[4])
local ttlMs = tonumber(ARGV[5])

local S = redis.call("GET", rev)
if not S then
  return {1}
end

local storedLockId = redis.call("HGET", S, "lockId")
if not storedLockId or storedLockId == false then
  return {1}
end
local expiresAt = tonumber(redis.call("HGET", S, "expiresAtMs"))
if not expiresAt or expiresAt <= now - tolerance then
  return {2}
end

if storedLockId ~= lockId then
  return {3}
end

if del == 1 then
  redis.call("DEL", S)
  redis.call("DEL", rev)
  return {0}
end

local newExpiry = now + ttlMs
redis.call("HSET", S, "expiresAtMs", newExpiry)
redis.call("PEXPIRE", S, ttlMs + tolerance)
redis.call("PEXPIRE", rev, ttlMs + tolerance)
return {0, newExpiry}
`)

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
	lockID, err := fencelock.GenerateLockID()
	if err != nil {
		return fencelock.AcquireResult{}, err
	}

	var reply []interface{}
	runErr := b.run(ctx, func() error {
		r, err := acquireScript.Run(ctx, b.client,
			[]string{storageKey, fenceKey, b.reverseKey(lockID)},
			lockID, normalized, ttlMs, b.now(), fencelock.TimeToleranceMs, fencelock.FenceCapacity,
		).Slice()
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if runErr != nil {
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", "acquire")
		return fencelock.AcquireResult{}, wrapRedisErr(runErr, normalized, "")
	}
	b.metrics.Increment(fencelock.MetricBackendOps, "op", "acquire")

	code := reply[0].(int64)
	switch code {
	case -1:
		b.metrics.Increment(fencelock.MetricFenceNearCapacity, "key", normalized)
		return fencelock.AcquireResult{}, &fencelock.LockError{Kind: fencelock.KindInternal, Key: normalized, Cause: fencelock.ErrInternal}
	case 0:
		return fencelock.AcquireResult{OK: false}, nil
	default:
		expiresAtMs := reply[1].(int64)
		fenceN := reply[2].(int64)
		fenceStr, err := fencelock.FormatFence(fenceN)
		if err != nil {
			return fencelock.AcquireResult{}, err
		}
		return fencelock.AcquireResult{OK: true, LockID: lockID, ExpiresAtMs: expiresAtMs, Fence: fenceStr}, nil
	}
}

func (b *Backend) Release(ctx context.Context, lockID string) (fencelock.MutationResult, error) {
	return b.mutate(ctx, lockID, 1, 0)
}

func (b *Backend) Extend(ctx context.Context, lockID string, ttlMs int64) (fencelock.MutationResult, error) {
	return b.mutate(ctx, lockID, 0, ttlMs)
}

func (b *Backend) mutate(ctx context.Context, lockID string, del int, ttlMs int64) (fencelock.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return fencelock.MutationResult{}, &fencelock.LockError{Kind: fencelock.KindAborted, LockID: lockID, Cause: err}
	}
	if err := fencelock.ValidateLockID(lockID); err != nil {
		return fencelock.MutationResult{}, err
	}

	var reply []interface{}
	runErr := b.run(ctx, func() error {
		r, err := mutateScript.Run(ctx, b.client,
			[]string{b.reverseKey(lockID)},
			lockID, b.now(), fencelock.TimeToleranceMs, del, ttlMs,
		).Slice()
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if runErr != nil {
		op := "extend"
		if del == 1 {
			op = "release"
		}
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", op)
		return fencelock.MutationResult{}, wrapRedisErr(runErr, "", lockID)
	}

	code := reply[0].(int64)
	var expiresAtMs int64
	if len(reply) > 1 {
		expiresAtMs = reply[1].(int64)
	}
	return fencelock.ClassifyScriptCode(fencelock.ScriptCode(code), expiresAtMs), nil
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

	var expiresAtMs int64
	var exists bool
	runErr := b.run(ctx, func() error {
		val, err := b.client.HGet(ctx, storageKey, "expiresAtMs").Result()
		if err == redis.Nil {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		n, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return perr
		}
		expiresAtMs = n
		exists = true
		return nil
	})
	if runErr != nil {
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", "isLocked")
		return false, wrapRedisErr(runErr, normalized, "")
	}
	b.metrics.Increment(fencelock.MetricBackendOps, "op", "isLocked")
	if !exists {
		return false, nil
	}
	return fencelock.IsLive(expiresAtMs, b.now(), fencelock.TimeToleranceMs), nil
}

func (b *Backend) Lookup(ctx context.Context, q fencelock.LookupQuery) (*fencelock.LockInfo, error) {
	debug, err := b.LookupDebug(ctx, q)
	if err != nil || debug == nil {
		return nil, err
	}
	return &fencelock.LockInfo{
		KeyHash:      fencelock.HashKey(debug.Key),
		LockIDHash:   fencelock.HashKey(debug.LockID),
		ExpiresAtMs:  debug.ExpiresAtMs,
		AcquiredAtMs: debug.AcquiredAtMs,
		Fence:        debug.Fence,
	}, nil
}

func (b *Backend) LookupDebug(ctx context.Context, q fencelock.LookupQuery) (*fencelock.DebugLockInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, &fencelock.LockError{Kind: fencelock.KindAborted, Key: q.Key, LockID: q.LockID, Cause: err}
	}
	var storageKey string
	if q.LockID != "" {
		s, err := b.client.Get(ctx, b.reverseKey(q.LockID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, wrapRedisErr(err, "", q.LockID)
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

	fields, err := b.client.HGetAll(ctx, storageKey).Result()
	if err != nil {
		return nil, wrapRedisErr(err, q.Key, q.LockID)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if q.LockID != "" && fields["lockId"] != q.LockID {
		return nil, nil
	}

	expiresAtMs, _ := strconv.ParseInt(fields["expiresAtMs"], 10, 64)
	acquiredAtMs, _ := strconv.ParseInt(fields["acquiredAtMs"], 10, 64)
	fenceN, _ := strconv.ParseInt(fields["fence"], 10, 64)

	if !fencelock.IsLive(expiresAtMs, b.now(), fencelock.TimeToleranceMs) {
		return nil, nil
	}

	fenceStr, err := fencelock.FormatFence(fenceN)
	if err != nil {
		return nil, err
	}
	return &fencelock.DebugLockInfo{
		Key:          fields["key"],
		LockID:       fields["lockId"],
		ExpiresAtMs:  expiresAtMs,
		AcquiredAtMs: acquiredAtMs,
		Fence:        fenceStr,
	}, nil
}

// wrapRedisErr classifies a go-redis error into the taxonomy: typed
// *LockError values pass through, NOAUTH/WRONGPASS replies become
// KindAuthFailed, and everything else becomes KindServiceUnavailable.
func wrapRedisErr(err error, key, lockID string) error {
	if err == nil {
		return nil
	}
	if le, ok := err.(*fencelock.LockError); ok {
		return le
	}
	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") {
		return &fencelock.LockError{Kind: fencelock.KindAuthFailed, Key: key, LockID: lockID, Cause: fmt.Errorf("redis: %w", err)}
	}
	return &fencelock.LockError{Kind: fencelock.KindServiceUnavailable, Key: key, LockID: lockID, Cause: fmt.Errorf("redis: %w", err)}
}
