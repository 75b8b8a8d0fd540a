package bank_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bank"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func deposit(requestID string) bank.TransferRequest {
	return bank.TransferRequest{
		RequestID:   requestID,
		FromAccount: "NL01BANK0001",
		ToAccount:   "NL02BANK0002",
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "EUR",
		Description: "savings",
		RequestTime: fixedNow,
	}
}

type failingLedger struct{}

func (failingLedger) Record(context.Context, bank.Entry) (bank.Entry, bool, error) {
	return bank.Entry{}, false, errors.New("connection refused")
}

func (failingLedger) Get(context.Context, string) (bank.Entry, error) {
	return bank.Entry{}, bank.ErrEntryNotFound
}

func TestService_ProcessSuccess(t *testing.T) {
	ledger := bank.NewMemoryLedger()
	svc := bank.NewService(ledger, bank.WithClock(func() time.Time { return fixedNow }))

	resp := svc.Process(context.Background(), contracts.CommandRequestDeposit, deposit("r-1"))
	assert.Equal(t, bank.StatusSuccess, resp.Status)
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Equal(t, bank.MessageCompleted, resp.Message)
	assert.NotEmpty(t, resp.TransactionID)
	assert.Equal(t, fixedNow, resp.ProcessedTime)

	entry, err := ledger.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "REQUEST_DEPOSIT", entry.Command)
	assert.True(t, entry.Amount.Equal(decimal.NewFromInt(100)))
}

func TestService_ProcessIsIdempotent(t *testing.T) {
	ledger := bank.NewMemoryLedger()
	svc := bank.NewService(ledger)

	first := svc.Process(context.Background(), contracts.CommandRequestDeposit, deposit("r-1"))
	second := svc.Process(context.Background(), contracts.CommandRequestDeposit, deposit("r-1"))
	assert.Equal(t, first, second)
	assert.Equal(t, 1, ledger.Len())
}

func TestService_ProcessMinimalDeposit(t *testing.T) {
	ledger := bank.NewMemoryLedger()
	svc := bank.NewService(ledger)

	req := bank.TransferRequest{FromAccount: "A", ToAccount: "B", Amount: decimal.NewFromInt(100)}
	resp := svc.Process(context.Background(), contracts.CommandRequestDeposit, req)
	assert.Equal(t, bank.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.TransactionID)
	assert.NotEmpty(t, resp.RequestID)

	again := svc.Process(context.Background(), contracts.CommandRequestDeposit, req)
	assert.Equal(t, bank.StatusSuccess, again.Status)
	assert.NotEqual(t, resp.RequestID, again.RequestID)
	assert.NotEqual(t, resp.TransactionID, again.TransactionID)
	assert.Equal(t, 2, ledger.Len())
}

func TestService_ProcessFailures(t *testing.T) {
	svc := bank.NewService(nil)

	invalid := deposit("r-2")
	invalid.Amount = decimal.Zero
	resp := svc.Process(context.Background(), contracts.CommandRequestWithdraw, invalid)
	assert.Equal(t, bank.StatusFailed, resp.Status)
	assert.Equal(t, "r-2", resp.RequestID)
	assert.Contains(t, resp.Message, "amount must be positive")
	assert.Empty(t, resp.TransactionID)

	broken := bank.NewService(failingLedger{})
	resp = broken.Process(context.Background(), contracts.CommandRequestDeposit, deposit("r-3"))
	assert.Equal(t, bank.StatusFailed, resp.Status)
	assert.Equal(t, "Bank system error: connection refused", resp.Message)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, bank.Validate(deposit("ok")))

	minimal := bank.TransferRequest{FromAccount: "A", ToAccount: "B", Amount: decimal.NewFromInt(100)}
	assert.NoError(t, bank.Validate(minimal))

	cases := map[string]func(*bank.TransferRequest){
		"account": func(r *bank.TransferRequest) { r.FromAccount, r.ToAccount = "", "" },
		"amount":  func(r *bank.TransferRequest) { r.Amount = decimal.NewFromInt(-5) },
		"zero":    func(r *bank.TransferRequest) { r.Amount = decimal.Zero },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := deposit("x")
			mutate(&req)
			assert.ErrorIs(t, bank.Validate(req), bank.ErrInvalidTransfer)
		})
	}
}

func TestService_DepositOverTransport(t *testing.T) {
	ctx := context.Background()
	tr := memory.NewTransport()
	defer tr.Close()
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: messaging.DefaultRequestTopic, Partitions: 3}))
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: messaging.DefaultPushTopic, Partitions: 3}))

	replyTopic, err := (&messaging.RandomReplyTopics{}).Acquire(ctx, tr)
	require.NoError(t, err)

	registry := messaging.NewCorrelationRegistry()
	defer registry.Close()
	dispatcher := messaging.NewReplyDispatcher(tr, registry, replyTopic)
	require.NoError(t, dispatcher.Start(ctx))
	defer dispatcher.Stop()

	svc := bank.NewService(bank.NewMemoryLedger())
	server, err := messaging.NewRequestReplyServer(tr, tr,
		messaging.WithServerRetryPolicy(reliability.NoRetry{}),
		messaging.WithFallbackHandler(svc.Fallback()))
	require.NoError(t, err)
	require.NoError(t, svc.Register(server))
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	client := messaging.NewRequestReplyClient(tr, registry, replyTopic)
	resp, err := messaging.RequestAs[bank.TransferResponse](ctx, client, contracts.CommandRequestDeposit,
		deposit("r-42"), messaging.WithTimeoutSeconds(5), messaging.WithKey("NL01BANK0001"))
	require.NoError(t, err)
	assert.Equal(t, bank.StatusSuccess, resp.Status)
	assert.Equal(t, "r-42", resp.RequestID)
	assert.NotEmpty(t, resp.TransactionID)

	resp, err = messaging.RequestAs[bank.TransferResponse](ctx, client, "REQUEST_REFUND",
		deposit("r-43"), messaging.WithTimeoutSeconds(5))
	require.NoError(t, err)
	assert.Equal(t, bank.StatusSuccess, resp.Status)

	resp, err = messaging.RequestAs[bank.TransferResponse](ctx, client, contracts.CommandRequestDeposit,
		map[string]any{"fromAccount": "A", "toAccount": "B", "amount": 100}, messaging.WithTimeoutSeconds(5))
	require.NoError(t, err)
	assert.Equal(t, bank.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.TransactionID)

	handle := messaging.NewMessagePublisher(tr).SendMessage(ctx, contracts.CommandSendTestMessage, "hello bank")
	_, err = handle.Wait(ctx)
	assert.NoError(t, err)
}
