package openbanking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bank"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/openbanking"
	"github.com/glimte/mmate-rpc/transports/memory"
)

type harness struct {
	transport *memory.Transport
	service   *openbanking.Service
	pushed    chan string
}

func newHarness(t *testing.T, withBank bool, opts ...openbanking.Option) *harness {
	t.Helper()
	ctx := context.Background()

	tr := memory.NewTransport()
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: messaging.DefaultRequestTopic, Partitions: 3}))
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: messaging.DefaultPushTopic, Partitions: 3}))
	replyTopic, err := (&messaging.RandomReplyTopics{}).Acquire(ctx, tr)
	require.NoError(t, err)

	registry := messaging.NewCorrelationRegistry()
	dispatcher := messaging.NewReplyDispatcher(tr, registry, replyTopic)
	require.NoError(t, dispatcher.Start(ctx))

	h := &harness{transport: tr, pushed: make(chan string, 8)}

	var server *messaging.RequestReplyServer
	if withBank {
		svc := bank.NewService(bank.NewMemoryLedger())
		server, err = messaging.NewRequestReplyServer(tr, tr, messaging.WithServerRetryPolicy(reliability.NoRetry{}))
		require.NoError(t, err)
		require.NoError(t, server.RegisterHandler(contracts.CommandRequestDeposit, svc.Fallback()))
		require.NoError(t, server.RegisterMessageHandler(contracts.CommandSendTestMessage,
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Request) error {
				h.pushed <- string(msg.Payload())
				return nil
			})))
		require.NoError(t, server.Start(ctx))
	}

	t.Cleanup(func() {
		if server != nil {
			server.Stop()
		}
		dispatcher.Stop()
		registry.Close()
		tr.Close()
	})

	client := messaging.NewRequestReplyClient(tr, registry, replyTopic)
	h.service = openbanking.NewService(client, messaging.NewMessagePublisher(tr), opts...)
	return h
}

func transfer() bank.TransferRequest {
	return bank.TransferRequest{
		FromAccount: "NL01BANK0001",
		ToAccount:   "NL02BANK0002",
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "EUR",
	}
}

func TestService_TransferFillsRequestID(t *testing.T) {
	h := newHarness(t, true)

	resp := h.service.Transfer(context.Background(), transfer())
	assert.Equal(t, bank.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.TransactionID)

	req := transfer()
	req.RequestID = "fixed-id"
	resp = h.service.Transfer(context.Background(), req)
	assert.Equal(t, "fixed-id", resp.RequestID)
}

func TestService_TransferWithoutCurrency(t *testing.T) {
	h := newHarness(t, true)

	resp := h.service.Transfer(context.Background(), bank.TransferRequest{
		FromAccount: "A",
		ToAccount:   "B",
		Amount:      decimal.NewFromInt(100),
	})
	assert.Equal(t, bank.StatusSuccess, resp.Status, resp.Message)
	assert.NotEmpty(t, resp.TransactionID)
}

func TestService_TransferTimeoutBecomesFailed(t *testing.T) {
	h := newHarness(t, false, openbanking.WithTransferTimeout(50*time.Millisecond))

	req := transfer()
	req.RequestID = "no-bank"
	resp := h.service.Transfer(context.Background(), req)
	assert.Equal(t, bank.StatusFailed, resp.Status)
	assert.Equal(t, "no-bank", resp.RequestID)
	assert.True(t, strings.HasPrefix(resp.Message, "Failed to Promise: "), resp.Message)
}

func TestHandler_Transfer(t *testing.T) {
	h := newHarness(t, true)
	srv := httptest.NewServer(openbanking.NewHandler(h.service))
	defer srv.Close()

	body := `{"requestId":"http-1","fromAccount":"A","toAccount":"B","amount":"10.00","currency":"EUR"}`
	res, err := http.Post(srv.URL+"/api/openbanking/transfer", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	var resp bank.TransferResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.Equal(t, "http-1", resp.RequestID)
	assert.Equal(t, bank.StatusSuccess, resp.Status)
}

func TestHandler_TransferRejectsBadBody(t *testing.T) {
	h := newHarness(t, false)
	handler := openbanking.NewHandler(h.service)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/openbanking/transfer", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/openbanking/transfer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_Send(t *testing.T) {
	h := newHarness(t, true)
	handler := openbanking.NewHandler(h.service)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/openbanking/send?msg=hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-h.pushed:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("push message not delivered")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/openbanking/send", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RateLimit(t *testing.T) {
	h := newHarness(t, false)
	handler := openbanking.NewHandler(h.service, openbanking.WithRateLimit(0.001, 2))

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/openbanking/send?msg=x", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/openbanking/send?msg=x", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_OptionalRoutes(t *testing.T) {
	h := newHarness(t, false)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	bare := openbanking.NewHandler(h.service)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	full := openbanking.NewHandler(h.service, openbanking.WithHealthHandler(ok), openbanking.WithMetricsHandler(ok))
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		full.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
	}
}
