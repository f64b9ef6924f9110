package httpmw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskfleet/coordkit/v1/store"
)

// healthPingTimeout bounds the store ping so a dead store cannot hang the
// health endpoint past the prober's patience.
const healthPingTimeout = 2 * time.Second

type healthBody struct {
	Status string `json:"status"`
}

// Healthz returns a handler that reports store connectivity: 200 "ok" while
// the store answers pings, 503 "degraded" when it does not. Degraded is not
// down (locks and limits are impaired but cached reads still serve), so
// the two states get distinct bodies rather than a bare status code.
func Healthz(client store.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		status, body := http.StatusOK, healthBody{Status: "ok"}
		if err := client.Ping(ctx); err != nil {
			status, body = http.StatusServiceUnavailable, healthBody{Status: "degraded"}
			slog.Warn("coordkit: health check found store unreachable", "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Error("coordkit: failed to encode health response", "error", err)
		}
	}
}
