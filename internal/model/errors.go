package model

import (
	"errors"
	"fmt"
)

// ErrChannelStale is returned when the push channel saw no traffic for
// longer than the heartbeat timeout and was closed
var ErrChannelStale = errors.New("push channel stale: no traffic within heartbeat timeout")

// ValidationError signals bad local input that was never sent upstream
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError signals an unknown job id
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// ConflictError signals a lifecycle action attempted against a status
// that does not permit it
type ConflictError struct {
	ID     string
	Status JobStatus
	Action string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Action, e.ID, e.Status)
}

// TransientError wraps a failed network operation that will be retried by
// the next scheduled tick; it never escalates
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolViolation signals an incoming update that attempted an invalid
// state edge or carried stale data. The update is discarded and logged,
// never applied.
type ProtocolViolation struct {
	JobID  string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation for job %s: %s", e.JobID, e.Reason)
}
