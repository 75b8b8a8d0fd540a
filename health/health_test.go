package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry_WorstStatusWins(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("a", StatusHealthy))
	r.Register(fixed("b", StatusDegraded))

	report := r.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Checks, 2)

	r.Register(fixed("c", StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestRegistry_SlowCheckTimesOut(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("fast", StatusHealthy))
	r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		time.Sleep(200 * time.Millisecond)
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.SetMetadata("service", "mmate-rpc")
	r.Register(fixed("a", StatusHealthy))
	h := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "mmate-rpc", report.Metadata["service"])

	r.Register(fixed("b", StatusUnhealthy))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type pingingTransport struct {
	*memory.Transport
	err error
}

func (p pingingTransport) Ping(context.Context) error { return p.err }

func TestTransportChecker(t *testing.T) {
	tr := memory.NewTransport()

	res := NewTransportChecker("memory", tr).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "transport_memory", res.Name)

	res = NewTransportChecker("kafka", pingingTransport{tr, errors.New("dial tcp: connection refused")}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Error, "connection refused")

	require.NoError(t, tr.Close())
	res = NewTransportChecker("memory", tr).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestRegistryChecker(t *testing.T) {
	reg := messaging.NewCorrelationRegistry(messaging.WithMaxInFlight(5))
	c := NewRegistryChecker(reg, 0.6)

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Register(id, time.Now().Add(time.Minute))
		require.NoError(t, err)
	}
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	for _, id := range []string{"d", "e"} {
		_, err := reg.Register(id, time.Now().Add(time.Minute))
		require.NoError(t, err)
	}
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, 5, res.Details["in_flight"])

	unbounded := NewRegistryChecker(messaging.NewCorrelationRegistry(messaging.WithMaxInFlight(0)), 0)
	assert.Equal(t, StatusHealthy, unbounded.Check(context.Background()).Status)
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 1).Check(context.Background()).Status)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("ledger_mongodb", pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, "ledger_mongodb", ok.Name())
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	down := NewPingChecker("ledger_mongodb", pingFunc(func(context.Context) error { return errors.New("server selection timeout") }))
	res := down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "server selection timeout", res.Error)
}
