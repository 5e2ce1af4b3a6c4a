package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.DeliveryOutcomes.WithLabelValues("push", OutcomeSuccess).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.DeliveryOutcomes.WithLabelValues("push", OutcomeSuccess)))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.DeliveryOutcomes.WithLabelValues("push", OutcomeSuccess)))
}

func TestHandler(t *testing.T) {
	m := New()
	m.LedgerEvents.WithLabelValues("sent").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `notifier_ledger_events_total{action="sent"} 3`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
