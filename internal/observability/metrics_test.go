package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()

	body := scrape(t, metrics)
	if !strings.Contains(body, `sisadmin_auth_logins_total{outcome="rate_limited"} 0`) {
		t.Fatalf("expected login outcomes to be pre-registered, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestAuthCountersIncrement(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveLogin(LoginSuccess)
	metrics.ObserveLogin(LoginInvalid)
	metrics.ObserveLogin(LoginInvalid)
	metrics.ObserveIPBlock("rate_limit")
	metrics.ObserveSessionInvalidated("fingerprint_mismatch")
	metrics.ObserveEventDropped()

	body := scrape(t, metrics)
	for _, want := range []string{
		`sisadmin_auth_logins_total{outcome="success"} 1`,
		`sisadmin_auth_logins_total{outcome="invalid"} 2`,
		`sisadmin_auth_ip_blocks_total{reason="rate_limit"} 1`,
		`sisadmin_auth_sessions_invalidated_total{reason="fingerprint_mismatch"} 1`,
		`sisadmin_security_events_dropped_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveLogin(LoginSuccess)
	metrics.ObserveIPBlock("manual")
	metrics.ObserveSessionInvalidated("timeout")
	metrics.ObserveEventDropped()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}
