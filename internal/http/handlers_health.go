package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

type probeStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// writeProbe answers HEAD requests with headers only.
func writeProbe(w http.ResponseWriter, r *http.Request, code int, body probeStatus) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		return
	}
	WriteJSON(w, code, body)
}

// healthHandler is the liveness probe. It never touches the stores.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, r, http.StatusOK, probeStatus{Status: "ok"})
}

type counter interface {
	Counts(ctx context.Context) (model.QueueCounts, error)
}

const readyTimeout = 2 * time.Second

// readyHandler reports 503 until the job store answers a count query.
func readyHandler(c counter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if _, err := c.Counts(ctx); err != nil {
			writeProbe(w, r, http.StatusServiceUnavailable, probeStatus{Status: "unavailable", Error: err.Error()})
			return
		}
		writeProbe(w, r, http.StatusOK, probeStatus{Status: "ok"})
	})
}
