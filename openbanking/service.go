// Package openbanking is the caller side of the demo: it turns transfer
// requests into deposit queries against the bank and exposes them over HTTP.
package openbanking

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/bank"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/pkg/logattr"
)

const DefaultTransferTimeout = 30 * time.Second

// Service forwards transfers to the bank
type Service struct {
	client    *messaging.RequestReplyClient
	publisher *messaging.MessagePublisher
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithTransferTimeout sets how long a transfer waits for the bank
func WithTransferTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(client *messaging.RequestReplyClient, publisher *messaging.MessagePublisher, opts ...Option) *Service {
	s := &Service{
		client:    client,
		publisher: publisher,
		timeout:   DefaultTransferTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logattr.Component("openbanking"))
	return s
}

// Transfer sends req as a REQUEST_DEPOSIT query and waits for the bank's
// answer. Any failure to get one is reported as a FAILED response.
func (s *Service) Transfer(ctx context.Context, req bank.TransferRequest) bank.TransferResponse {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.RequestTime = s.now()

	resp, err := messaging.RequestAs[bank.TransferResponse](ctx, s.client, contracts.CommandRequestDeposit, req,
		messaging.WithTimeout(s.timeout),
		messaging.WithKey(req.RequestID))
	if err != nil {
		s.logger.ErrorContext(ctx, "transfer failed", logattr.RequestID(req.RequestID), logattr.Error(err))
		return bank.Failed(req.RequestID, "Failed to Promise: "+err.Error(), s.now())
	}

	s.logger.InfoContext(ctx, "received transfer response",
		logattr.RequestID(resp.RequestID),
		"transactionId", resp.TransactionID,
		"status", resp.Status)
	return resp
}

// SendUnidirectionalMessage publishes msg as SEND_TEST_MESSAGE without waiting
// for the broker. The outcome is logged.
func (s *Service) SendUnidirectionalMessage(ctx context.Context, msg string) *messaging.MessageHandle {
	return s.publisher.SendMessage(ctx, contracts.CommandSendTestMessage, msg,
		messaging.WithCompletion(func(ack contracts.PublishAck, err error) {
			if err != nil {
				s.logger.Error("message send failed", logattr.Error(err))
				return
			}
			s.logger.Info("message sent", logattr.Topic(ack.Topic), "partition", ack.Partition, "offset", ack.Offset)
		}))
}
