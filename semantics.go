package fencelock

// RawOutcome is the tuple a query-based backend (pgtx, memory) observes
// before classifying a release/extend attempt: whether a record exists at
// all, whether it is still live, and whether the caller's lockId matches
// the record's.
type RawOutcome struct {
	DocumentExists bool
	OwnershipValid bool
	IsLive         bool
}

// ClassifyMutation maps a raw observation tuple to the common mutation
// semantics defined in §4.7: succeeded, never-existed, observable-expired,
// or ownership-mismatch. Backends that detect the rarer ambiguous-duplicate
// case (§4.1, tie-breaks) set ReasonAmbiguousUnknown directly rather than
// going through this mapper, since that case isn't expressible as a single
// document's {exists, ownership, liveness} tuple.
func ClassifyMutation(o RawOutcome) MutationReason {
	switch {
	case !o.DocumentExists:
		return ReasonNeverExisted
	case !o.IsLive:
		return ReasonObservableExpired
	case !o.OwnershipValid:
		return ReasonOwnershipMismatch
	default:
		return ReasonNone
	}
}

// ScriptCode is the small closed set of integer outcomes a Lua script (or
// any single round-trip scripted backend) can return from a release/extend
// attempt, letting the adapter avoid a second round trip just to classify
// what happened.
type ScriptCode int

const (
	CodeSucceeded ScriptCode = iota
	CodeNeverExisted
	CodeObservableExpired
	CodeOwnershipMismatch
	CodeCleanedUpAfterExpiry
	CodeAmbiguousUnknown
)

// ClassifyScriptCode maps a backend script's integer result code to a
// MutationResult, folding in expiresAtMs for the extend path (ignored by
// callers that only care about release's OK).
func ClassifyScriptCode(code ScriptCode, expiresAtMs int64) MutationResult {
	switch code {
	case CodeSucceeded:
		return MutationResult{OK: true, ExpiresAtMs: expiresAtMs, Reason: ReasonNone}
	case CodeNeverExisted:
		return MutationResult{Reason: ReasonNeverExisted}
	case CodeObservableExpired:
		return MutationResult{Reason: ReasonObservableExpired}
	case CodeOwnershipMismatch:
		return MutationResult{Reason: ReasonOwnershipMismatch}
	case CodeCleanedUpAfterExpiry:
		return MutationResult{Reason: ReasonCleanedUpAfterExpiry}
	default:
		return MutationResult{Reason: ReasonAmbiguousUnknown}
	}
}
