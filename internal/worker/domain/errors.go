package domain

import "errors"

var (
	// ErrUnknownChannel is returned when a claimed job names a channel with no registered service
	ErrUnknownChannel = errors.New("unknown channel type")

	// ErrMissingCredential is returned when a send is attempted without a bound provider client
	ErrMissingCredential = errors.New("missing credential")

	// ErrCredentialNotFound is returned when a named credential does not exist
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrAdoptionLost is returned when another process adopted the dead worker first
	ErrAdoptionLost = errors.New("worker adoption lost to another process")

	// ErrCircuitOpen is returned when the enrichment dependency is failing fast
	ErrCircuitOpen = errors.New("enrichment circuit breaker open")

	// ErrTooManyFailures is returned when the loop keeps failing and the process should restart
	ErrTooManyFailures = errors.New("too many consecutive failures")
)

// StatusWriteError wraps a failure to record a message outcome in the queue.
// It is the only send-path error that propagates out of a channel service.
type StatusWriteError struct {
	MessageID int64
	Err       error
}

func (e *StatusWriteError) Error() string {
	return "failed to write message status: " + e.Err.Error()
}

func (e *StatusWriteError) Unwrap() error {
	return e.Err
}

// NewStatusWriteError creates a new status write error
func NewStatusWriteError(messageID int64, err error) error {
	return &StatusWriteError{MessageID: messageID, Err: err}
}
