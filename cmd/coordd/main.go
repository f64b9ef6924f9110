// Command coordd runs the coordination layer as a standalone daemon. It
// serves a small task API that exercises the read-through cache behind the
// rate limiter, exposes health and metrics endpoints, and hosts the
// scheduled-job coordinator. Several coordd instances pointed at the same
// store behave as one fleet: writes on one instance invalidate cached copies
// on the others, and registered jobs fire on exactly one instance per tick.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/taskfleet/coordkit/v1/adapter"
	"github.com/taskfleet/coordkit/v1/cache"
	"github.com/taskfleet/coordkit/v1/config"
	"github.com/taskfleet/coordkit/v1/cron"
	"github.com/taskfleet/coordkit/v1/httpmw"
	"github.com/taskfleet/coordkit/v1/metrics"
	"github.com/taskfleet/coordkit/v1/presets"
	"github.com/taskfleet/coordkit/v1/verify"
	"github.com/taskfleet/coordkit/v1/watch"
)

const (
	// taskCacheTTL bounds staleness for reads that race a failed
	// invalidation.
	taskCacheTTL = 5 * time.Minute
	// taskTag groups every cached task so the flush job can drop them all.
	taskTag = "all"
)

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

type errorBody struct {
	Error string `json:"error"`
}

var errTaskNotFound = errors.New("task not found")

func main() {
	configPath := flag.String("config", "", "path to a coordd.yaml config file (default: search the working directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("coordd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log.Level)

	ctx := context.Background()

	if cfg.Trace.Enabled {
		shutdown, err := setupTracing(ctx)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	reg := metrics.NewRegistry()
	stack, err := presets.NewRedis(ctx, presets.Options{
		Store:          cfg.Redis.StoreConfig(),
		Metrics:        reg,
		Tracing:        cfg.Trace.Enabled,
		RateLimitScope: "http",
	})
	if err != nil {
		return fmt.Errorf("wire coordination stack: %w", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			slog.Error("coordd: stack close failed", "error", err)
		}
	}()

	api := &taskAPI{
		source: adapter.NewRedisSource[task](stack.Store, "task:"),
		cache:  presets.NewCache[task](stack, "cache:task:"),
	}
	defer api.cache.Close()

	// Feed invalidation traffic to the /watch endpoints.
	hub := watch.NewHub()
	if err := watch.Bridge(ctx, stack.Bus, cache.InvalidationSubject("cache:task:"), hub); err != nil {
		slog.Warn("coordd: invalidation watch disabled", "error", err)
	}

	if cfg.Cron.Enabled {
		checker := verify.New(api.cache, api.source, verify.WithMode[task](verify.ModeRepair))
		jobs := []cron.Job{
			{Name: "task-report", Every: time.Minute, Run: api.reportTaskCount},
			{Name: "task-cache-flush", Every: time.Hour, Run: api.flushTaskCache},
			{Name: "task-verify", Every: 10 * time.Minute, Run: func(ctx context.Context) error {
				drifted, err := checker.Scan(ctx)
				if err != nil {
					return err
				}
				if drifted > 0 {
					slog.Warn("coordd: verify scan repaired drifted entries", "count", drifted)
				}
				return nil
			}},
		}
		for _, job := range jobs {
			if err := stack.Cron.Register(job); err != nil {
				return fmt.Errorf("register job %s: %w", job.Name, err)
			}
		}
		stack.Cron.Start(ctx)
	}

	return serve(cfg, newRouter(cfg, stack, reg, api, hub))
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func setupTracing(ctx context.Context) (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("coordd: trace shutdown failed", "error", err)
		}
	}, nil
}

func newRouter(cfg *config.Config, stack *presets.Stack, reg *prometheus.Registry, api *taskAPI, hub *watch.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpmw.Healthz(stack.Store))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	r.Get("/watch", watch.SSEHandler(hub))
	r.Get("/watch/ws", watch.WebSocketHandler(hub))

	r.Route("/tasks", func(r chi.Router) {
		r.Use(httpmw.RateLimit(stack.Limiter, cfg.RateLimit.Limit, cfg.RateLimit.Window))
		r.Get("/", api.list)
		r.Get("/{id}", api.get)
		r.Put("/{id}", api.put)
		r.Delete("/{id}", api.delete)
	})
	return r
}

func serve(cfg *config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("coordd: listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		slog.Info("coordd: shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// taskAPI is the demo resource behind the coordination layer: tasks live in
// the store as records of truth, reads go through the distributed cache, and
// writes invalidate across the fleet.
type taskAPI struct {
	source *adapter.RedisSource[task]
	cache  *cache.Distributed[task]
}

func (a *taskAPI) list(w http.ResponseWriter, r *http.Request) {
	ids, err := a.source.List(r.Context())
	if err != nil {
		slog.Error("coordd: list tasks", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (a *taskAPI) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := a.cache.Wrap(r.Context(), id, taskCacheTTL, func(ctx context.Context) (task, error) {
		t, ok, err := a.source.Get(ctx, id)
		if err != nil {
			return task{}, err
		}
		if !ok {
			return task{}, errTaskNotFound
		}
		return t, nil
	}, taskTag)
	switch {
	case errors.Is(err, errTaskNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
	case err != nil:
		slog.Error("coordd: load task", "id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "task lookup failed"})
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (a *taskAPI) put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var t task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid task body"})
		return
	}
	t.ID = id

	if err := a.source.Put(r.Context(), id, t); err != nil {
		slog.Error("coordd: store task", "id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
		return
	}
	// Drop cached copies fleet-wide; the next read recomputes from the store.
	if err := a.cache.Del(r.Context(), id); err != nil {
		slog.Warn("coordd: invalidate task", "id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *taskAPI) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.source.Delete(r.Context(), id); err != nil {
		slog.Error("coordd: delete task", "id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
		return
	}
	if err := a.cache.Del(r.Context(), id); err != nil {
		slog.Warn("coordd: invalidate task", "id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *taskAPI) reportTaskCount(ctx context.Context) error {
	ids, err := a.source.List(ctx)
	if err != nil {
		return err
	}
	slog.Info("coordd: task inventory", "count", len(ids))
	return nil
}

func (a *taskAPI) flushTaskCache(ctx context.Context) error {
	return a.cache.InvalidateByTag(ctx, taskTag)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("coordd: encode response", "error", err)
	}
}
