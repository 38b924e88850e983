package domain

import "errors"

// Error taxonomy. Validation errors are rejected at the boundary and never
// enter the log; process-level failures are recorded as terminal states.
var (
	// ErrInvalidInput marks malformed financial or risk parameters,
	// rejected before any event is appended.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSequenceViolation marks an out-of-order negotiation turn. The log
	// is unaffected.
	ErrSequenceViolation = errors.New("sequence violation")

	// ErrTimeout marks a negotiation turn past its wall-clock budget. The
	// negotiation is forced to DEADLOCK rather than dropped.
	ErrTimeout = errors.New("negotiation turn timed out")

	// ErrGateBlocked marks a step D attempt without a satisfied gate. The
	// orchestrator halts and does not retry automatically.
	ErrGateBlocked = errors.New("gate blocked")

	// ErrIrrecoverable marks event log corruption detected on replay.
	// Processing for the case halts entirely; never auto-repaired.
	ErrIrrecoverable = errors.New("event log irrecoverable")
)
