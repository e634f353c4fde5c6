package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/pool-ledger/internal/metrics"
)

func TestObserveTransition(t *testing.T) {
	ok := testutil.ToFloat64(metrics.TransitionsTotal.WithLabelValues("test_op", "ok"))
	failed := testutil.ToFloat64(metrics.TransitionsTotal.WithLabelValues("test_op", "error"))

	metrics.ObserveTransition("test_op", nil, time.Millisecond)
	metrics.ObserveTransition("test_op", errors.New("nope"), time.Millisecond)
	metrics.ObserveTransition("test_op", nil, time.Millisecond)

	if got := testutil.ToFloat64(metrics.TransitionsTotal.WithLabelValues("test_op", "ok")); got != ok+2 {
		t.Errorf("ok count = %v, want %v", got, ok+2)
	}
	if got := testutil.ToFloat64(metrics.TransitionsTotal.WithLabelValues("test_op", "error")); got != failed+1 {
		t.Errorf("error count = %v, want %v", got, failed+1)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/pools/{pool}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/pools/{pool}", "418")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/pools/abc", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", w.Code)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("request count = %v, want %v", got, before+1)
	}
}
