package fencelock

import "time"

// Backoff selects the delay curve the acquisition orchestrator uses between
// retries.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// Jitter selects how randomness is mixed into a computed retry delay.
type Jitter string

const (
	JitterEqual Jitter = "equal" // half fixed, half uniform random
	JitterFull  Jitter = "full"  // uniform[0, base)
	JitterNone  Jitter = "none"  // no randomness
)

// Default values for AcquisitionOptions, applied field-by-field to whatever
// the caller supplies (so a caller can override a single field and inherit
// the rest).
const (
	DefaultMaxRetries    = 10
	DefaultRetryDelayMs  = 100
	DefaultBackoff       = BackoffExponential
	DefaultJitter        = JitterEqual
	DefaultTimeoutMs     = 5000
	DefaultLockTTLMs     = 30000
)

// AcquisitionOptions configures the blocking retry/backoff loop the
// orchestrator runs around a single-attempt backend acquire.
type AcquisitionOptions struct {
	// MaxRetries bounds the number of additional attempts after the first.
	// Exceeding it fails with KindAcquisitionTimeout.
	MaxRetries int

	// RetryDelayMs is the base delay in milliseconds used to compute the
	// next retry's wait, per Backoff and Jitter.
	RetryDelayMs int

	// Backoff selects how the base delay grows across attempts.
	Backoff Backoff

	// Jitter selects how randomness is mixed into the computed delay.
	Jitter Jitter

	// TimeoutMs bounds the total wall-clock time spent retrying. Exceeding
	// it fails with KindAcquisitionTimeout regardless of MaxRetries.
	TimeoutMs int
}

// DefaultAcquisitionOptions returns the orchestrator's default retry policy:
// up to 10 retries, 100ms base delay, exponential backoff with equal
// jitter, bounded to a 5 second overall timeout.
func DefaultAcquisitionOptions() AcquisitionOptions {
	return AcquisitionOptions{
		MaxRetries:   DefaultMaxRetries,
		RetryDelayMs: DefaultRetryDelayMs,
		Backoff:      DefaultBackoff,
		Jitter:       DefaultJitter,
		TimeoutMs:    DefaultTimeoutMs,
	}
}

// withDefaults merges zero-valued fields of opts with the orchestrator
// defaults, so a caller-supplied AcquisitionOptions only needs to set the
// fields it cares about.
func (o AcquisitionOptions) withDefaults() AcquisitionOptions {
	d := DefaultAcquisitionOptions()
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelayMs == 0 {
		o.RetryDelayMs = d.RetryDelayMs
	}
	if o.Backoff == "" {
		o.Backoff = d.Backoff
	}
	if o.Jitter == "" {
		o.Jitter = d.Jitter
	}
	if o.TimeoutMs == 0 {
		o.TimeoutMs = d.TimeoutMs
	}
	return o
}

// Validate checks that every field of AcquisitionOptions is within its
// legal range, independent of whether defaults were applied.
func (o AcquisitionOptions) Validate() error {
	if o.MaxRetries < 0 {
		return invalidArgument("maxRetries must be non-negative")
	}
	if o.RetryDelayMs <= 0 {
		return invalidArgument("retryDelayMs must be positive")
	}
	if o.Backoff != BackoffExponential && o.Backoff != BackoffFixed {
		return invalidArgument("backoff must be \"exponential\" or \"fixed\"")
	}
	if o.Jitter != JitterEqual && o.Jitter != JitterFull && o.Jitter != JitterNone {
		return invalidArgument("jitter must be \"equal\", \"full\", or \"none\"")
	}
	if o.TimeoutMs <= 0 {
		return invalidArgument("timeoutMs must be positive")
	}
	return nil
}

// RetryDelay returns the base retry delay as a time.Duration.
func (o AcquisitionOptions) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// Timeout returns the overall acquisition timeout as a time.Duration.
func (o AcquisitionOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}
