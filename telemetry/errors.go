package telemetry

import "errors"

var (
	// ErrAlreadyInitialized is returned by NewPipeline when a pipeline
	// already owns the process-wide telemetry state. Callers decide
	// whether this is fatal; it usually indicates double wiring in main().
	ErrAlreadyInitialized = errors.New("telemetry pipeline already initialized")

	// ErrKindMismatch is returned by Registry.GetOrCreate when an
	// instrument with the same (meter, name) identity already exists
	// with a different kind. The existing series is left untouched.
	ErrKindMismatch = errors.New("instrument kind mismatch")

	// ErrNegativeCounter is returned by Registry.Record when a counter
	// is given a negative increment.
	ErrNegativeCounter = errors.New("negative counter increment")

	// ErrNonFiniteValue is returned by Registry.Record for NaN or Inf values.
	ErrNonFiniteValue = errors.New("non-finite metric value")
)
