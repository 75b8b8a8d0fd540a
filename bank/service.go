package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/pkg/logattr"
)

const MessageCompleted = "Transfer completed successfully"

var ErrInvalidTransfer = errors.New("invalid transfer")

// Service settles transfer requests against a Ledger
type Service struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source for processedTime
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a bank service. A nil ledger gets a MemoryLedger.
func NewService(ledger Ledger, opts ...Option) *Service {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	s := &Service{
		ledger: ledger,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logattr.Component("bank"))
	return s
}

// Register installs the deposit and withdraw handlers and the push message
// handler on server. Use Fallback with messaging.WithFallbackHandler to settle
// requests with any other command.
func (s *Service) Register(server *messaging.RequestReplyServer) error {
	if err := server.RegisterHandler(contracts.CommandRequestDeposit, messaging.RequestHandlerFunc(s.handleTransfer)); err != nil {
		return err
	}
	if err := server.RegisterHandler(contracts.CommandRequestWithdraw, messaging.RequestHandlerFunc(s.handleTransfer)); err != nil {
		return err
	}
	return server.RegisterMessageHandler(contracts.CommandSendTestMessage, s.PushHandler())
}

// Fallback settles requests whose command has no dedicated handler
func (s *Service) Fallback() messaging.RequestHandler {
	return messaging.RequestHandlerFunc(s.handleTransfer)
}

// PushHandler logs one-way messages
func (s *Service) PushHandler() messaging.MessageHandler {
	return messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Request) error {
		s.logger.InfoContext(ctx, "received push message",
			logattr.Command(msg.Command().String()),
			"key", msg.Key(),
			"message", string(msg.Payload()))
		return nil
	})
}

func (s *Service) handleTransfer(ctx context.Context, req *messaging.Request) (any, error) {
	transfer, err := messaging.DecodeRequest[TransferRequest](req)
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, req.Command(), transfer), nil
}

// Process settles a transfer. It never fails: problems are reported as a
// FAILED response. A request id seen before gets the original response; a
// request without one is assigned a fresh id and always settles anew.
func (s *Service) Process(ctx context.Context, cmd contracts.Command, req TransferRequest) TransferResponse {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := s.logger.With(logattr.Command(cmd.String()), logattr.RequestID(req.RequestID))
	logger.InfoContext(ctx, "processing transfer",
		"fromAccount", req.FromAccount,
		"toAccount", req.ToAccount,
		"amount", req.Amount.String(),
		"currency", req.Currency)

	if err := Validate(req); err != nil {
		logger.WarnContext(ctx, "rejected transfer", logattr.Error(err))
		return Failed(req.RequestID, err.Error(), s.now())
	}

	entry := Entry{
		RequestID:     req.RequestID,
		TransactionID: uuid.NewString(),
		Command:       cmd.String(),
		FromAccount:   req.FromAccount,
		ToAccount:     req.ToAccount,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusSuccess,
		Message:       MessageCompleted,
		ProcessedTime: s.now(),
	}

	stored, created, err := s.ledger.Record(ctx, entry)
	if err != nil {
		logger.ErrorContext(ctx, "ledger failure", logattr.Error(err))
		return Failed(req.RequestID, "Bank system error: "+err.Error(), s.now())
	}
	if !created {
		logger.InfoContext(ctx, "duplicate transfer", "transactionId", stored.TransactionID)
	}
	return stored.Response()
}

// Validate checks the fields a transfer needs to be settled. Currency is
// optional.
func Validate(req TransferRequest) error {
	switch {
	case req.FromAccount == "" && req.ToAccount == "":
		return fmt.Errorf("%w: an account is required", ErrInvalidTransfer)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	return nil
}
