// Package fencelock implements a storage-agnostic distributed mutual-exclusion
// protocol: named, time-bounded, fenced locks held in an external backend
// (an in-process store, a Lua-scriptable cache, or a transactional database).
//
// # Overview
//
// fencelock separates the lock protocol (key derivation, monotonic fence
// tokens, liveness under clock skew, retry/backoff, and scoped release) from
// the storage layer that actually holds lock state. A Backend implements five
// operations (acquire, release, extend, isLocked, lookup) against whichever
// store it wraps; everything above that line is storage-agnostic.
//
//   - Monotonic fence tokens so a downstream resource can reject stale writers
//     even after a lock is believed released
//   - A blocking acquisition orchestrator with exponential/fixed backoff and
//     equal/full/none jitter
//   - Scoped lock handles with at-most-once release across panics, explicit
//     release, and TTL expiry
//   - A unified liveness predicate tolerant of clock skew between caller and
//     backend
//   - Full observability (Prometheus metrics + structured logging via zap)
//
// # Quick start
//
//	backend := memory.New(memory.Options{})
//	locker := fencelock.NewLocker(backend, nil, nil)
//	ctx := context.Background()
//
//	handle, err := locker.Acquire(ctx, "jobs/nightly-export", 30000, fencelock.AcquisitionOptions{})
//	if err != nil {
//	    return err
//	}
//	defer handle.Release(ctx)
//
//	// Critical section: only one caller holds "jobs/nightly-export" at a time.
//	runExport()
//
// Production setup with the Redis-backed adapter, resilience, and observability:
//
//	redisClient := redis.NewClient(redislua.RedisOptions())
//	backend := redislua.New(redisClient, redislua.Options{Prefix: "locks"})
//
//	logger, _ := fencelock.NewProductionZapLogger()
//	metrics := fencelock.NewPrometheusMetrics(nil)
//	locker := fencelock.NewLocker(fencelock.NewTelemetryBackend(backend, logger, metrics), logger, metrics)
//
// # Core concepts
//
// Backend: the storage abstraction. Every adapter (backends/memory,
// backends/redislua, backends/pgtx) implements the same five operations and
// reports a capability descriptor ({supportsFencing, timeAuthority}) so the
// orchestrator and semantics mapper can adapt to what the backend can and
// cannot guarantee.
//
// Locker: the storage-agnostic entry point wrapping a Backend with the
// acquisition orchestrator, key/ID derivation, and scoped-handle discipline.
//
// LockHandle: the scoped, disposable handle returned by Locker.Acquire. Its
// Release is idempotent (only the first call, manual or via Dispose, reaches
// the backend); Extend dispatches to the backend on every call.
//
// CircuitBreaker: wraps a backend's network calls so a down dependency fails
// fast instead of the orchestrator retrying against something that will
// never answer.
//
// Logger / Metrics: pluggable observability interfaces with no-op,
// in-memory, and production (zap / Prometheus) implementations.
package fencelock
