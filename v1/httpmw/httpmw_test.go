package httpmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/taskfleet/coordkit/v1/ratelimit"
	"github.com/taskfleet/coordkit/v1/store"
)

func newTestEnv(t *testing.T) (*miniredis.Miniredis, store.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doGet(t *testing.T, h http.Handler, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.RemoteAddr = remoteAddr
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitHeadersAndThrottle(t *testing.T) {
	_, client := newTestEnv(t)
	limiter := ratelimit.New(client, ratelimit.WithScope("tasks.list"))

	r := chi.NewRouter()
	r.Use(RateLimit(limiter, 2, time.Minute))
	r.Get("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i, wantRemaining := range []string{"1", "0"} {
		rec := doGet(t, r, "10.0.0.1:5000", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d remaining header = %q, want %q", i+1, got, wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("limit header = %q, want 2", got)
		}
		if rec.Header().Get("X-RateLimit-Reset") == "" {
			t.Fatal("reset header missing")
		}
	}

	rec := doGet(t, r, "10.0.0.1:5000", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response missing Retry-After")
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Fatalf("throttle body = %q err %v, want JSON error", rec.Body.String(), err)
	}
}

func TestRateLimitCountsPerClientIP(t *testing.T) {
	_, client := newTestEnv(t)
	limiter := ratelimit.New(client)
	h := RateLimit(limiter, 1, time.Minute)(okHandler())

	if rec := doGet(t, h, "10.0.0.1:5000", nil); rec.Code != http.StatusOK {
		t.Fatalf("first client status = %d, want 200", rec.Code)
	}
	if rec := doGet(t, h, "10.0.0.1:6000", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same IP different port status = %d, want 429", rec.Code)
	}
	if rec := doGet(t, h, "10.0.0.2:5000", nil); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimitIdentityOverride(t *testing.T) {
	_, client := newTestEnv(t)
	limiter := ratelimit.New(client)
	h := RateLimit(limiter, 1, time.Minute, WithIdentity(func(r *http.Request) string {
		return r.Header.Get("X-API-Key")
	}))(okHandler())

	alice := http.Header{"X-Api-Key": []string{"alice-key"}}
	bob := http.Header{"X-Api-Key": []string{"bob-key"}}

	if rec := doGet(t, h, "10.0.0.1:5000", alice); rec.Code != http.StatusOK {
		t.Fatalf("alice first status = %d, want 200", rec.Code)
	}
	// Same key from another address still counts against the same budget.
	if rec := doGet(t, h, "10.9.9.9:5000", alice); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second status = %d, want 429", rec.Code)
	}
	if rec := doGet(t, h, "10.0.0.1:5000", bob); rec.Code != http.StatusOK {
		t.Fatalf("bob status = %d, want 200", rec.Code)
	}
}

func TestRateLimitFailsOpenDuringOutage(t *testing.T) {
	mr, client := newTestEnv(t)
	limiter := ratelimit.New(client)
	h := RateLimit(limiter, 1, time.Minute)(okHandler())

	mr.Close()

	for i := 0; i < 3; i++ {
		if rec := doGet(t, h, "10.0.0.1:5000", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d during outage status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestHealthzReportsStoreState(t *testing.T) {
	mr, client := newTestEnv(t)
	h := Healthz(client)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != "ok" {
		t.Fatalf("healthy body = %q err %v, want ok", rec.Body.String(), err)
	}

	mr.Close()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != "degraded" {
		t.Fatalf("degraded body = %q err %v, want degraded", rec.Body.String(), err)
	}
}
