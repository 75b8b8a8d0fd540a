package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPublishFailed means the transport rejected or failed to deliver a record
	ErrPublishFailed = errors.New("mmate: publish failed")
	// ErrRequestTimeout means no reply was observed before the call deadline
	ErrRequestTimeout = errors.New("mmate: request timeout")
	// ErrDuplicateCorrelationID means the correlation id is already pending
	ErrDuplicateCorrelationID = errors.New("mmate: duplicate correlation id")
	// ErrLateOrUnknownReply means a reply arrived for an id with no pending call
	ErrLateOrUnknownReply = errors.New("mmate: late or unknown reply")
	// ErrDeserialization means a payload could not be decoded into the requested type
	ErrDeserialization = errors.New("mmate: deserialization failed")
	// ErrTooManyInFlightRequests means the in-flight cap rejected a new call
	ErrTooManyInFlightRequests = errors.New("mmate: too many in-flight requests")
	// ErrMalformedRecord means a record lacks a header required to route it
	ErrMalformedRecord = errors.New("mmate: malformed record")
	// ErrRemote means the responder reported a failure instead of a payload
	ErrRemote = errors.New("mmate: remote handler failed")

	ErrInvalidCommand = errors.New("mmate: command cannot be empty")
	ErrInvalidTimeout = errors.New("mmate: timeout must be positive")
	ErrClosed         = errors.New("mmate: closed")
)

// PublishError represents a failed publish
type PublishError struct {
	Topic     string    // Target topic
	Key       string    // Partition key used
	Err       error     // Underlying transport error
	Timestamp time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mmate publish error: failed to publish to %s (key=%s): %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPublishFailed) true for every PublishError
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// TimeoutError represents an expired call
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mmate request timeout: no reply for %s after %v", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// DeserializationError represents a failed typed decode of a payload
type DeserializationError struct {
	Target string // Requested Go type
	Err    error  // Underlying codec error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("mmate deserialization error: cannot decode payload into %s: %v", e.Target, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

// RemoteError carries a failure reported by the responder
type RemoteError struct {
	CorrelationID string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mmate remote error for %s: %s", e.CorrelationID, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// IsRetryable reports whether a publish error is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrDuplicateCorrelationID),
		errors.Is(err, ErrTooManyInFlightRequests),
		errors.Is(err, ErrInvalidCommand),
		errors.Is(err, ErrInvalidTimeout),
		errors.Is(err, ErrClosed):
		return false
	}

	return true
}
