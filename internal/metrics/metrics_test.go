package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double registration")
		}
	}()
	New(reg)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Outcome("redirected")
	m.Outcome("media")
	m.Outcome("media")
	m.Reject("expired")
	m.Signed()
	m.Detected("message")
	m.Health("cdn.example.com", false)

	if got := testutil.ToFloat64(m.RelayRequests.WithLabelValues("media")); got != 2 {
		t.Errorf("media = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RelayRequests.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Rejections.WithLabelValues("expired")); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensSigned); got != 1 {
		t.Errorf("signed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OriginHealth.WithLabelValues("cdn.example.com")); got != 0 {
		t.Errorf("health = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Outcome("media")
	m.Reject("malformed")
	m.Signed()
	m.Detected("network")
	m.InterceptTimeout()
	m.Upstream("manifest")
	m.Health("x", true)
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Signed()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "cinerelay_tokens_signed_total 1") {
		t.Errorf("scrape output missing counter:\n%s", body)
	}
}
