package contracts

import (
	"time"
)

// Header names understood by the request/reply core.
const (
	HeaderCommand       = "CMD"
	HeaderCorrelationID = "CORRELATION_ID"
	HeaderReplyTopic    = "REPLY_TOPIC"
	// HeaderReplyError carries a responder-side failure message on a reply.
	HeaderReplyError = "REPLY_ERROR"
)

// Record is the envelope exchanged over a transport
type Record struct {
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string][]byte
	Partition int
	Offset    int64
	Timestamp time.Time
}

// NewRecord creates a record with an initialized header map
func NewRecord(key string, payload []byte) *Record {
	return &Record{
		Key:       key,
		Payload:   payload,
		Headers:   make(map[string][]byte),
		Partition: -1,
		Offset:    -1,
	}
}

// Header returns a header value as a string and whether it was present
func (r *Record) Header(name string) (string, bool) {
	if r == nil || r.Headers == nil {
		return "", false
	}
	v, ok := r.Headers[name]
	if !ok {
		return "", false
	}
	return string(v), true
}

// SetHeader sets a string header
func (r *Record) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string][]byte)
	}
	r.Headers[name] = []byte(value)
}

// Command returns the CMD header
func (r *Record) Command() Command {
	v, _ := r.Header(HeaderCommand)
	return Command(v)
}

// CorrelationID returns the CORRELATION_ID header
func (r *Record) CorrelationID() (string, bool) {
	return r.Header(HeaderCorrelationID)
}

// ReplyTopic returns the REPLY_TOPIC header
func (r *Record) ReplyTopic() (string, bool) {
	return r.Header(HeaderReplyTopic)
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	c.Headers = make(map[string][]byte, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = append([]byte(nil), v...)
	}
	return &c
}

// PublishAck is the transport's acknowledgment of a published record.
// Partition and Offset are -1 when the transport does not report them.
type PublishAck struct {
	Topic     string
	Key       string
	Partition int
	Offset    int64
	Timestamp time.Time
}
