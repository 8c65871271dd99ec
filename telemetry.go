package fencelock

import "context"

// OperationType identifies which Backend operation a TelemetryEvent reports.
type OperationType string

const (
	OperationAcquire  OperationType = "acquire"
	OperationRelease  OperationType = "release"
	OperationExtend   OperationType = "extend"
	OperationIsLocked OperationType = "isLocked"
	OperationLookup   OperationType = "lookup"
)

// TelemetryEvent is the sanitized record emitted once per Backend call. Key
// and LockID are populated only when the decorator's includeRaw policy
// allows it; KeyHash/LockIDHash are always populated when known.
type TelemetryEvent struct {
	Operation  OperationType
	KeyHash    string
	LockIDHash string
	OK         bool
	Reason     MutationReason
	Key        string
	LockID     string
}

// TelemetrySink receives one TelemetryEvent per Backend operation. A sink
// that panics is protected by the decorator: the panic is recovered, counted
// under MetricTelemetrySinkFail, logged as a warning, and dropped.
type TelemetrySink func(event TelemetryEvent)

// IncludeRawPredicate decides, per event, whether raw identifiers should be
// attached. A predicate that panics is treated as returning false, so raw
// identifiers are fail-safe redacted.
type IncludeRawPredicate func(event TelemetryEvent) bool

// TelemetryBackend wraps a Backend with a pass-through that emits one event
// per operation to a caller-supplied sink, without altering the wrapped
// operation's result or error.
type TelemetryBackend struct {
	backend Backend
	logger  Logger
	metrics Metrics

	sink           TelemetrySink
	includeRaw     bool
	includeRawPred IncludeRawPredicate
}

// NewTelemetryBackend wraps backend. logger and metrics may be nil, in which
// case no-op implementations are used. Call WithSink to actually receive
// events; without one, the decorator is a transparent pass-through.
func NewTelemetryBackend(backend Backend, logger Logger, metrics Metrics) *TelemetryBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &TelemetryBackend{backend: backend, logger: logger, metrics: metrics}
}

// WithSink sets the event sink.
func (t *TelemetryBackend) WithSink(sink TelemetrySink) *TelemetryBackend {
	t.sink = sink
	return t
}

// WithIncludeRaw sets a static includeRaw policy.
func (t *TelemetryBackend) WithIncludeRaw(include bool) *TelemetryBackend {
	t.includeRaw = include
	return t
}

// WithIncludeRawPredicate sets a per-event includeRaw policy, evaluated in
// addition to the static flag (either one allowing raw fields is enough).
func (t *TelemetryBackend) WithIncludeRawPredicate(pred IncludeRawPredicate) *TelemetryBackend {
	t.includeRawPred = pred
	return t
}

func (t *TelemetryBackend) Capability() Capability {
	return t.backend.Capability()
}

func (t *TelemetryBackend) Acquire(ctx context.Context, key string, ttlMs int64) (AcquireResult, error) {
	res, err := t.backend.Acquire(ctx, key, ttlMs)
	t.emit(TelemetryEvent{
		Operation: OperationAcquire,
		KeyHash:   HashKey(key),
		OK:        err == nil && res.OK,
		Reason:    acquireReason(res, err),
		Key:       key,
	})
	return res, err
}

func (t *TelemetryBackend) Release(ctx context.Context, lockID string) (MutationResult, error) {
	res, err := t.backend.Release(ctx, lockID)
	t.emit(TelemetryEvent{
		Operation:  OperationRelease,
		LockIDHash: HashKey(lockID),
		OK:         err == nil && res.OK,
		Reason:     res.Reason,
		LockID:     lockID,
	})
	return res, err
}

func (t *TelemetryBackend) Extend(ctx context.Context, lockID string, ttlMs int64) (MutationResult, error) {
	res, err := t.backend.Extend(ctx, lockID, ttlMs)
	t.emit(TelemetryEvent{
		Operation:  OperationExtend,
		LockIDHash: HashKey(lockID),
		OK:         err == nil && res.OK,
		Reason:     res.Reason,
		LockID:     lockID,
	})
	return res, err
}

func (t *TelemetryBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	locked, err := t.backend.IsLocked(ctx, key)
	t.emit(TelemetryEvent{
		Operation: OperationIsLocked,
		KeyHash:   HashKey(key),
		OK:        err == nil,
		Key:       key,
	})
	return locked, err
}

func (t *TelemetryBackend) Lookup(ctx context.Context, q LookupQuery) (*LockInfo, error) {
	info, err := t.backend.Lookup(ctx, q)
	event := TelemetryEvent{
		Operation: OperationLookup,
		OK:        err == nil,
		Key:       q.Key,
		LockID:    q.LockID,
	}
	if q.Key != "" {
		event.KeyHash = HashKey(q.Key)
	}
	if q.LockID != "" {
		event.LockIDHash = HashKey(q.LockID)
	}
	t.emit(event)
	return info, err
}

func (t *TelemetryBackend) LookupDebug(ctx context.Context, q LookupQuery) (*DebugLockInfo, error) {
	return t.backend.LookupDebug(ctx, q)
}

func acquireReason(res AcquireResult, err error) MutationReason {
	if err != nil {
		return ReasonNone
	}
	if !res.OK {
		return "locked"
	}
	return ReasonNone
}

// emit builds and dispatches an event through the sink, applying the
// includeRaw policy and swallowing any sink failure.
func (t *TelemetryBackend) emit(event TelemetryEvent) {
	if t.sink == nil {
		return
	}
	if !t.resolveIncludeRaw(event) {
		event.Key = ""
		event.LockID = ""
	}
	t.safeDispatch(event)
}

func (t *TelemetryBackend) resolveIncludeRaw(event TelemetryEvent) (include bool) {
	if t.includeRaw {
		return true
	}
	if t.includeRawPred == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			include = false
		}
	}()
	return t.includeRawPred(event)
}

func (t *TelemetryBackend) safeDispatch(event TelemetryEvent) {
	defer func() {
		if recover() != nil {
			t.metrics.Increment(MetricTelemetrySinkFail)
			t.logger.Warn("telemetry sink panicked", "operation", string(event.Operation))
		}
	}()
	t.sink(event)
}
