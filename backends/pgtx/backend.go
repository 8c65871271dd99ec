// Package pgtx is the "transactional relational database" reference
// Backend, built on github.com/jackc/pgx/v5. Every mutating operation runs
// inside a single SQL transaction using SELECT ... FOR UPDATE followed by a
// conditional UPDATE/DELETE/INSERT, so the read-check-write sequence is
// atomic from Postgres's point of view, the relational analogue of the
// Lua-scripted redislua adapter and the mutex-striped memory adapter.
package pgtx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adrianmcphee/fencelock"
)

// Backend is a PostgreSQL-backed implementation of fencelock.Backend.
// Schema (see EnsureSchema):
//
//	lock_records(storage_key PK, lock_id, key, expires_at_ms, acquired_at_ms, fence)
//	lock_reverse_index(lock_id PK, storage_key) -- maps lockId back to storage_key
//	fence_counters(fence_key PK, next_value)    -- one row per derived fence key
type Backend struct {
	pool    *pgxpool.Pool
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
	Breaker *fencelock.CircuitBreaker
	Now     func() int64
}

// New builds a Backend around an existing connection pool. The caller owns
// the pool's lifecycle.
func New(pool *pgxpool.Pool, opts Options) *Backend {
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
		pool:    pool,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		breaker: opts.Breaker,
		prefix:  opts.Prefix,
		limit:   opts.Limit,
		reserve: opts.Reserve,
		now:     opts.Now,
	}
}

// EnsureSchema creates the backend's tables if they don't already exist.
// Safe to call repeatedly; intended for test setup and first-run migration.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS lock_records (
	storage_key    TEXT PRIMARY KEY,
	lock_id        TEXT NOT NULL,
	key            TEXT NOT NULL,
	expires_at_ms  BIGINT NOT NULL,
	acquired_at_ms BIGINT NOT NULL,
	fence          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS lock_reverse_index (
	lock_id      TEXT PRIMARY KEY,
	storage_key  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fence_counters (
	fence_key   TEXT PRIMARY KEY,
	next_value  BIGINT NOT NULL DEFAULT 0
);
`)
	return wrapPgErr(err, "", "")
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

func (b *Backend) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	run := func() error {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}
	if b.breaker != nil {
		return b.breaker.Execute(ctx, run)
	}
	return run()
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
	lockID, err := fencelock.GenerateLockID()
	if err != nil {
		return fencelock.AcquireResult{}, err
	}

	now := b.now()
	var result fencelock.AcquireResult
	var overflow bool

	txErr := b.withTx(ctx, func(tx pgx.Tx) error {
		var existingExpiry int64
		scanErr := tx.QueryRow(ctx,
			`SELECT expires_at_ms FROM lock_records WHERE storage_key = $1 FOR UPDATE`, storageKey,
		).Scan(&existingExpiry)
		switch {
		case scanErr == nil:
			if fencelock.IsLive(existingExpiry, now, fencelock.TimeToleranceMs) {
				result = fencelock.AcquireResult{OK: false}
				return nil
			}
		case errors.Is(scanErr, pgx.ErrNoRows):
			// no existing record, proceed
		default:
			return scanErr
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO fence_counters (fence_key, next_value) VALUES ($1, 0) ON CONFLICT (fence_key) DO NOTHING`,
			fenceKey,
		); err != nil {
			return err
		}
		var fenceN int64
		if err := tx.QueryRow(ctx,
			`SELECT next_value FROM fence_counters WHERE fence_key = $1 FOR UPDATE`, fenceKey,
		).Scan(&fenceN); err != nil {
			return err
		}
		if fenceN >= fencelock.FenceCapacity {
			overflow = true
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE fence_counters SET next_value = next_value + 1 WHERE fence_key = $1`, fenceKey,
		); err != nil {
			return err
		}

		expiresAtMs := now + ttlMs
		if _, err := tx.Exec(ctx, `
INSERT INTO lock_records (storage_key, lock_id, key, expires_at_ms, acquired_at_ms, fence)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (storage_key) DO UPDATE SET
	lock_id = excluded.lock_id,
	key = excluded.key,
	expires_at_ms = excluded.expires_at_ms,
	acquired_at_ms = excluded.acquired_at_ms,
	fence = excluded.fence
`, storageKey, lockID, normalized, expiresAtMs, now, fenceN); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO lock_reverse_index (lock_id, storage_key) VALUES ($1, $2)
ON CONFLICT (lock_id) DO UPDATE SET storage_key = excluded.storage_key
`, lockID, storageKey); err != nil {
			return err
		}

		fenceStr, err := fencelock.FormatFence(fenceN)
		if err != nil {
			return err
		}
		result = fencelock.AcquireResult{OK: true, LockID: lockID, ExpiresAtMs: expiresAtMs, Fence: fenceStr}
		return nil
	})

	if txErr != nil {
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", "acquire")
		return fencelock.AcquireResult{}, wrapPgErr(txErr, normalized, "")
	}
	if overflow {
		b.metrics.Increment(fencelock.MetricFenceNearCapacity, "key", normalized)
		return fencelock.AcquireResult{}, &fencelock.LockError{Kind: fencelock.KindInternal, Key: normalized, Cause: fencelock.ErrInternal}
	}
	b.metrics.Increment(fencelock.MetricBackendOps, "op", "acquire")
	return result, nil
}

func (b *Backend) Release(ctx context.Context, lockID string) (fencelock.MutationResult, error) {
	return b.mutate(ctx, lockID, true, 0)
}

func (b *Backend) Extend(ctx context.Context, lockID string, ttlMs int64) (fencelock.MutationResult, error) {
	return b.mutate(ctx, lockID, false, ttlMs)
}

func (b *Backend) mutate(ctx context.Context, lockID string, del bool, ttlMs int64) (fencelock.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return fencelock.MutationResult{}, &fencelock.LockError{Kind: fencelock.KindAborted, LockID: lockID, Cause: err}
	}
	if err := fencelock.ValidateLockID(lockID); err != nil {
		return fencelock.MutationResult{}, err
	}
	now := b.now()
	var result fencelock.MutationResult

	txErr := b.withTx(ctx, func(tx pgx.Tx) error {
		var storageKey string
		err := tx.QueryRow(ctx,
			`SELECT storage_key FROM lock_reverse_index WHERE lock_id = $1 FOR UPDATE`, lockID,
		).Scan(&storageKey)
		if errors.Is(err, pgx.ErrNoRows) {
			result = fencelock.MutationResult{Reason: fencelock.ReasonNeverExisted}
			return nil
		}
		if err != nil {
			return err
		}

		var storedLockID string
		var expiresAtMs int64
		err = tx.QueryRow(ctx,
			`SELECT lock_id, expires_at_ms FROM lock_records WHERE storage_key = $1 FOR UPDATE`, storageKey,
		).Scan(&storedLockID, &expiresAtMs)

		outcome := fencelock.RawOutcome{}
		if errors.Is(err, pgx.ErrNoRows) {
			outcome.DocumentExists = false
		} else if err != nil {
			return err
		} else {
			outcome.DocumentExists = true
			outcome.OwnershipValid = storedLockID == lockID
			outcome.IsLive = fencelock.IsLive(expiresAtMs, now, fencelock.TimeToleranceMs)
		}

		reason := fencelock.ClassifyMutation(outcome)
		if reason != fencelock.ReasonNone {
			result = fencelock.MutationResult{Reason: reason}
			return nil
		}

		if del {
			if _, err := tx.Exec(ctx, `DELETE FROM lock_records WHERE storage_key = $1`, storageKey); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM lock_reverse_index WHERE lock_id = $1`, lockID); err != nil {
				return err
			}
			result = fencelock.MutationResult{OK: true}
			return nil
		}

		newExpiry := now + ttlMs
		if _, err := tx.Exec(ctx,
			`UPDATE lock_records SET expires_at_ms = $1 WHERE storage_key = $2`, newExpiry, storageKey,
		); err != nil {
			return err
		}
		result = fencelock.MutationResult{OK: true, ExpiresAtMs: newExpiry}
		return nil
	})

	if txErr != nil {
		op := "extend"
		if del {
			op = "release"
		}
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", op)
		return fencelock.MutationResult{}, wrapPgErr(txErr, "", lockID)
	}
	return result, nil
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
	err = b.pool.QueryRow(ctx,
		`SELECT expires_at_ms FROM lock_records WHERE storage_key = $1`, storageKey,
	).Scan(&expiresAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		b.metrics.Increment(fencelock.MetricBackendErrors, "op", "isLocked")
		return false, wrapPgErr(err, normalized, "")
	}
	b.metrics.Increment(fencelock.MetricBackendOps, "op", "isLocked")
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
		if err := b.pool.QueryRow(ctx,
			`SELECT storage_key FROM lock_reverse_index WHERE lock_id = $1`, q.LockID,
		).Scan(&storageKey); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, wrapPgErr(err, "", q.LockID)
		}
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

	var lockID, key string
	var expiresAtMs, acquiredAtMs, fenceN int64
	err := b.pool.QueryRow(ctx,
		`SELECT lock_id, key, expires_at_ms, acquired_at_ms, fence FROM lock_records WHERE storage_key = $1`, storageKey,
	).Scan(&lockID, &key, &expiresAtMs, &acquiredAtMs, &fenceN)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgErr(err, q.Key, q.LockID)
	}
	if q.LockID != "" && lockID != q.LockID {
		return nil, nil
	}
	if !fencelock.IsLive(expiresAtMs, b.now(), fencelock.TimeToleranceMs) {
		return nil, nil
	}

	fenceStr, err := fencelock.FormatFence(fenceN)
	if err != nil {
		return nil, err
	}
	return &fencelock.DebugLockInfo{
		Key:          key,
		LockID:       lockID,
		ExpiresAtMs:  expiresAtMs,
		AcquiredAtMs: acquiredAtMs,
		Fence:        fenceStr,
	}, nil
}

// wrapPgErr classifies a pgx error into the taxonomy: a nil error passes
// through, everything else becomes KindServiceUnavailable (connection,
// query, or transaction failure against the database).
func wrapPgErr(err error, key, lockID string) error {
	if err == nil {
		return nil
	}
	if le, ok := err.(*fencelock.LockError); ok {
		return le
	}
	return &fencelock.LockError{Kind: fencelock.KindServiceUnavailable, Key: key, LockID: lockID, Cause: err}
}
