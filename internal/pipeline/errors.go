package pipeline

import (
	"errors"
	"fmt"
)

// ErrTenantMismatch means the job names records that belong to different organizations
var ErrTenantMismatch = errors.New("records belong to different tenants")

// Severity decides whether a stage failure aborts the job
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityNonFatal
)

func (s Severity) String() string {
	if s == SeverityNonFatal {
		return "non_fatal"
	}
	return "fatal"
}

// StageError tags a failure with the stage it came from and its severity
type StageError struct {
	Stage    string
	Severity Severity
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Severity, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fatal marks err as aborting the job. A nil err stays nil.
func Fatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Severity: SeverityFatal, Err: err}
}

// NonFatal marks err as degrading the job without aborting it. A nil err stays nil.
func NonFatal(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Severity: SeverityNonFatal, Err: err}
}

// IsFatal reports whether err must abort the job. Unclassified errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return true
}

// StageOf returns the stage recorded on err, or "unknown"
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}
