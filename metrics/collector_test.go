package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/messaging"
)

var (
	_ messaging.MetricsCollector    = (*Collector)(nil)
	_ interceptors.MetricsCollector = (*Collector)(nil)
)

func TestCollector_Outcomes(t *testing.T) {
	c := NewCollector("test")

	c.RecordOutcome(messaging.OutcomeReplied)
	c.RecordOutcome(messaging.OutcomeReplied)
	c.RecordOutcome(messaging.OutcomeTimeout)
	c.RecordDroppedReply(messaging.DropReasonLateOrUnknown)
	c.RecordInFlight(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.outcomes.WithLabelValues("replied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedReplies.WithLabelValues("late_or_unknown")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.inFlight))
}

func TestCollector_PublishAndHandled(t *testing.T) {
	c := NewCollector("test")

	c.RecordPublish("request-topic", 3*time.Millisecond, true)
	c.RecordPublish("request-topic", time.Millisecond, false)
	c.RecordHandled("REQUEST_DEPOSIT", 10*time.Millisecond, true)
	c.RecordHandled("", time.Millisecond, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishTotal.WithLabelValues("request-topic", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishTotal.WithLabelValues("request-topic", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.publishDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handledTotal.WithLabelValues("unknown", "failure")))

	expected := `
# HELP mmate_handled_total Requests handled by the responder, by command and result.
# TYPE mmate_handled_total counter
mmate_handled_total{command="REQUEST_DEPOSIT",result="success",service="test"} 1
mmate_handled_total{command="unknown",result="failure",service="test"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c.handledTotal, strings.NewReader(expected)))
}

func TestCollector_MetricsInterceptor(t *testing.T) {
	c := NewCollector("test")
	mi := interceptors.NewMetricsInterceptor(c)

	rec := contracts.NewRecord("k", nil)
	rec.SetHeader(contracts.HeaderCommand, "REQUEST_WITHDRAW")
	_, err := mi.Intercept(context.Background(), rec, interceptors.HandlerFunc(
		func(ctx context.Context, rec *contracts.Record) (any, error) { return "ok", nil }))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.handledTotal.WithLabelValues("REQUEST_WITHDRAW", "success")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("bank")
	c.RecordOutcome(messaging.OutcomeRemoteError)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `mmate_request_outcomes_total{outcome="remote_error",service="bank"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
