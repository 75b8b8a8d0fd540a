package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// Reply is a response record whose payload has not been decoded yet
type Reply struct {
	record *contracts.Record
	codec  contracts.Codec
}

// NewReply wraps a reply record. A nil codec means JSON.
func NewReply(rec *contracts.Record, codec contracts.Codec) *Reply {
	if codec == nil {
		codec = contracts.JSONCodec{}
	}
	return &Reply{record: rec, codec: codec}
}

// Record returns the underlying record
func (r *Reply) Record() *contracts.Record {
	return r.record
}

// Payload returns the raw reply payload
func (r *Reply) Payload() []byte {
	return r.record.Payload
}

// CorrelationID returns the reply's correlation id
func (r *Reply) CorrelationID() string {
	id, _ := r.record.CorrelationID()
	return id
}

// Command returns the command tag echoed by the responder
func (r *Reply) Command() contracts.Command {
	return r.record.Command()
}

// Decode decodes the payload into v, which must be a pointer
func (r *Reply) Decode(v any) error {
	return contracts.Decode(r.codec, r.record.Payload, v)
}

// DecodeReply decodes a reply payload into a new T
func DecodeReply[T any](r *Reply) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// Promise is the caller's handle on one pending call
type Promise struct {
	call     *pendingCall
	registry *CorrelationRegistry
}

// CorrelationID returns the id the request was sent with
func (p *Promise) CorrelationID() string {
	return p.call.correlationID
}

// Deadline returns the time after which the call expires
func (p *Promise) Deadline() time.Time {
	return p.call.deadline
}

// Done is closed once the call is resolved or expired
func (p *Promise) Done() <-chan struct{} {
	return p.call.done
}

// Get blocks until the reply arrives or the call expires. If ctx ends first,
// Get returns ctx.Err() and the call stays pending until its deadline.
func (p *Promise) Get(ctx context.Context) (*Reply, error) {
	return p.registry.Await(ctx, p)
}

// Resolved reports whether the call has an outcome
func (p *Promise) Resolved() bool {
	select {
	case <-p.call.done:
		return true
	default:
		return false
	}
}
