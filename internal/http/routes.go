// Package httpx exposes the queue operations as a thin JSON API.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-queue/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Queue  *service.QueueService
	Status *service.StatusService
	Logger *slog.Logger // Logger for request and handler errors (optional)
}

// NewRouter creates the API router wrapped in the recover and logging middleware.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	jobs := &JobHandlers{Svc: services.Queue, Logger: logger}
	system := &SystemHandlers{Queue: services.Queue, Status: services.Status, Logger: logger}

	registerJobRoutes(mux, jobs)
	registerSystemRoutes(mux, system)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Queue))

	return Recover(logger)(Logging(logger)(mux))
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Enqueue)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/kill", h.Kill)
	mux.HandleFunc("POST /api/jobs/{id}/remove", h.Remove)
	mux.HandleFunc("POST /api/jobs/{id}/restart", h.Restart)
	mux.HandleFunc("GET /api/journal", h.Journal)
}

func registerSystemRoutes(mux *http.ServeMux, h *SystemHandlers) {
	mux.HandleFunc("GET /api/queue/state", h.State)
	mux.HandleFunc("GET /api/queue/counts", h.Counts)
	mux.HandleFunc("GET /api/queue/snapshot", h.Snapshot)
	mux.HandleFunc("GET /api/daemons", h.Daemons)
	mux.HandleFunc("GET /api/status", h.Summary)
	mux.HandleFunc("POST /api/halt", h.Halt)
	mux.HandleFunc("GET /api/maintenance", h.Maintenance)
	mux.HandleFunc("PUT /api/maintenance", h.EnterMaintenance)
	mux.HandleFunc("DELETE /api/maintenance", h.LeaveMaintenance)
}
