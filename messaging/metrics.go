package messaging

import (
	"time"
)

// Outcome is how a request/reply call ended
type Outcome string

const (
	OutcomeReplied       Outcome = "replied"
	OutcomeRemoteError   Outcome = "remote_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeRejected      Outcome = "rejected"
	OutcomeClosed        Outcome = "closed"
)

// Reasons a reply record is dropped by the dispatcher
const (
	DropReasonMalformed     = "malformed"
	DropReasonLateOrUnknown = "late_or_unknown"
)

// MetricsCollector collects request/reply metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt to a topic
	RecordPublish(topic string, duration time.Duration, success bool)

	// RecordInFlight records the current number of pending calls
	RecordInFlight(n int)

	// RecordOutcome records how a call ended
	RecordOutcome(outcome Outcome)

	// RecordDroppedReply records a reply record that resolved nothing
	RecordDroppedReply(reason string)

	// RecordHandled records a request handled by the responder
	RecordHandled(command string, duration time.Duration, success bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(topic string, duration time.Duration, success bool) {}

// RecordInFlight does nothing
func (NoOpMetricsCollector) RecordInFlight(n int) {}

// RecordOutcome does nothing
func (NoOpMetricsCollector) RecordOutcome(outcome Outcome) {}

// RecordDroppedReply does nothing
func (NoOpMetricsCollector) RecordDroppedReply(reason string) {}

// RecordHandled does nothing
func (NoOpMetricsCollector) RecordHandled(command string, duration time.Duration, success bool) {}
