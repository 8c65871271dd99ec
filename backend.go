package fencelock

import "context"

// TimeAuthority identifies whether a backend derives expiresAtMs from its
// own clock or from the caller's.
type TimeAuthority string

const (
	TimeAuthorityServer TimeAuthority = "server"
	TimeAuthorityClient TimeAuthority = "client"
)

// Capability is a backend's compile-time descriptor of what it can
// guarantee. Declared once per adapter, not per call.
type Capability struct {
	SupportsFencing bool
	TimeAuthority   TimeAuthority
}

// AcquireResult is the outcome of a single-attempt backend acquire.
// Contention (OK == false with a nil error) is a result, not an error.
type AcquireResult struct {
	OK          bool
	LockID      string
	ExpiresAtMs int64
	Fence       string // empty when the backend's capability doesn't declare fencing
}

// MutationReason is the hidden-metadata classification of why a release or
// extend did not succeed. It is never part of the public result surface;
// only the telemetry decorator observes it.
type MutationReason string

const (
	ReasonNone               MutationReason = ""
	ReasonNeverExisted       MutationReason = "never-existed"
	ReasonObservableExpired  MutationReason = "observable-expired"
	ReasonOwnershipMismatch  MutationReason = "ownership-mismatch"
	ReasonCleanedUpAfterExpiry MutationReason = "cleaned-up-after-expiry"
	ReasonAmbiguousUnknown   MutationReason = "ambiguous-unknown"
)

// MutationResult is the outcome of a release or extend. ExpiresAtMs is only
// meaningful when OK is true and the call was an extend. Reason is hidden
// metadata: it is populated on every call (ReasonNone on success) but the
// public API surface only ever exposes OK.
type MutationResult struct {
	OK          bool
	ExpiresAtMs int64
	Reason      MutationReason
}

// LookupQuery selects a lock record either by its user key or by its lock
// ID. Exactly one of Key or LockID should be set.
type LookupQuery struct {
	Key    string
	LockID string
}

// LockInfo is the sanitized, public shape of a lock record: identifiers are
// exposed only as hashes.
type LockInfo struct {
	KeyHash      string
	LockIDHash   string
	ExpiresAtMs  int64
	AcquiredAtMs int64
	Fence        string // empty when the backend doesn't support fencing
}

// DebugLockInfo is the raw-identifier counterpart to LockInfo, returned only
// by LookupDebug for operational introspection.
type DebugLockInfo struct {
	Key          string
	LockID       string
	ExpiresAtMs  int64
	AcquiredAtMs int64
	Fence        string
}

// Backend is the storage-agnostic contract every adapter implements
// atomically using its native primitives. Every operation accepts a
// context.Context for cancellation; implementations must check ctx.Err()
// at the start of the operation and should check it again around
// suspension points.
//
// acquire/release/extend/isLocked/lookup map directly to the five
// operations of the protocol; Capability and LookupDebug are additions that
// let callers adapt to what a backend can guarantee and, respectively,
// inspect raw identifiers for operational tooling.
type Backend interface {
	// Capability reports this backend's fencing support and time authority.
	Capability() Capability

	// Acquire attempts, in one atomic step, to create a lock record for key
	// with the given TTL. Returns OK:false with a nil error on contention.
	Acquire(ctx context.Context, key string, ttlMs int64) (AcquireResult, error)

	// Release resolves lockID to its storage key, verifies ownership and
	// liveness, and atomically deletes both the record and its reverse
	// index. Never returns an error for "not owner" or "already gone";
	// those surface as MutationResult{OK: false}.
	Release(ctx context.Context, lockID string) (MutationResult, error)

	// Extend performs the same ownership-verified, atomic check as
	// Release, but replaces (not adds to) both keys' TTL and the record's
	// ExpiresAtMs.
	Extend(ctx context.Context, lockID string, ttlMs int64) (MutationResult, error)

	// IsLocked reports whether key's record is currently live. May
	// opportunistically clean up a long-expired record, but must never
	// touch the fence counter.
	IsLocked(ctx context.Context, key string) (bool, error)

	// Lookup returns the sanitized record matching q, or nil if none
	// exists (no error in that case).
	Lookup(ctx context.Context, q LookupQuery) (*LockInfo, error)

	// LookupDebug is Lookup's raw-identifier counterpart.
	LookupDebug(ctx context.Context, q LookupQuery) (*DebugLockInfo, error)
}
