package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordkit_test_ops_total",
		Help: "Test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "coordkit_test_ops_total 1") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordkit_test_ops_total",
		Help: "Test counter",
	})
	a.MustRegister(counter)

	mfs, err := b.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Fatalf("fresh registry should be empty, got %d families", len(mfs))
	}
}
