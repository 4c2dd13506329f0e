package step

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching across the taxonomy.
var (
	ErrDetection     = errors.New("detection error")
	ErrTimeout       = errors.New("step timeout")
	ErrCapacity      = errors.New("step capacity exceeded")
	ErrValidation    = errors.New("validation error")
	ErrPersistence   = errors.New("persistence error")
	ErrReviewTimeout = errors.New("review timeout")
)

// DetectionError reports a single pattern that failed during evaluation.
// The detector skips the pattern and carries on.
type DetectionError struct {
	PatternID string
	Err       error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("pattern %s: %v", e.PatternID, e.Err)
}

func (e *DetectionError) Unwrap() []error { return []error{ErrDetection, e.Err} }

// TimeoutError records why a step was force-closed with status timeout.
type TimeoutError struct {
	StepID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s idle for %s", e.StepID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// CapacityError records a step that outgrew the buffer memory ceiling.
type CapacityError struct {
	StepID string
	Bytes  int
	Events int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("step %s holds %d bytes in %d events", e.StepID, e.Bytes, e.Events)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// ValidationError rejects malformed interventions or configuration.
// Nothing is mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError wraps adapter I/O and decode failures.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ReviewTimeoutError means an external review callback did not resolve in
// time; the controller applies its configured fallback.
type ReviewTimeoutError struct {
	StepID string
	After  time.Duration
	Err    error
}

func (e *ReviewTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("review of step %s failed after %s: %v", e.StepID, e.After, e.Err)
	}
	return fmt.Sprintf("review of step %s timed out after %s", e.StepID, e.After)
}

func (e *ReviewTimeoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrReviewTimeout, e.Err}
	}
	return []error{ErrReviewTimeout}
}
