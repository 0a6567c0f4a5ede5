package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind     = errors.New("unknown request kind")
	ErrRequestNotFound = errors.New("request not found")
)

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request %d: %s: %s", e.Index, e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// RemoteOperationDenied means the remote subsystem refused the operation
// before starting it.
type RemoteOperationDenied struct {
	CorrelationID string
	Reason        string
}

func (e *RemoteOperationDenied) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote operation %s denied", e.CorrelationID)
	}
	return fmt.Sprintf("remote operation %s denied: %s", e.CorrelationID, e.Reason)
}

// RemoteOperationFailed carries the causes of the failed items of an
// otherwise partially successful operation.
type RemoteOperationFailed struct {
	CorrelationID string
	Causes        []string
}

func (e *RemoteOperationFailed) Error() string {
	return fmt.Sprintf(
		"remote operation %s failed: %s",
		e.CorrelationID,
		strings.Join(e.Causes, "; "),
	)
}

type JobCrashedError struct {
	JobID uuid.UUID
	Trace string
}

func (e *JobCrashedError) Error() string {
	return fmt.Sprintf("job %s crashed: %s", e.JobID, e.Trace)
}

// UnexpectedStepError is recorded on the request, never returned to the
// event source.
type UnexpectedStepError struct {
	Kind     Kind
	Step     Step
	Event    string
	Expected []Step
}

func (e *UnexpectedStepError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, step := range e.Expected {
		expected = append(expected, string(step))
	}
	return fmt.Sprintf(
		"unexpected %s event for %s request at step %s (expected one of %s)",
		e.Event,
		e.Kind,
		e.Step,
		strings.Join(expected, ", "),
	)
}

func IsUnexpectedStep(err error) bool {
	var target *UnexpectedStepError
	return errors.As(err, &target)
}
