package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/mmk-queue/internal/service"
)

// SystemHandlers serves queue aggregates, daemon liveness and the global sentinels.
type SystemHandlers struct {
	Queue  *service.QueueService
	Status *service.StatusService
	Logger *slog.Logger
}

// State returns the (name, state, flags) aggregation of live jobs.
func (h *SystemHandlers) State(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Queue.State(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}

// Counts returns live job counts per state.
func (h *SystemHandlers) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Queue.Counts(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, counts)
}

// Snapshot returns the cached counts written after the last enqueue. It may be stale.
func (h *SystemHandlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Queue.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// Daemons returns the liveness view of every registered daemon.
func (h *SystemHandlers) Daemons(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		writeServiceError(w, r, h.Logger, errStatusUnavailable)
		return
	}
	daemons, err := h.Status.Daemons(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, daemons)
}

// Summary returns counts, daemons and sentinels in one document.
func (h *SystemHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		writeServiceError(w, r, h.Logger, errStatusUnavailable)
		return
	}
	sum, err := h.Status.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

// Halt requests every running daemon to stop.
func (h *SystemHandlers) Halt(w http.ResponseWriter, r *http.Request) {
	at, err := h.Queue.Halt(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]time.Time{"halt": at})
}

type maintenanceResponse struct {
	Enabled bool       `json:"enabled"`
	Since   *time.Time `json:"since,omitempty"`
}

// Maintenance reports whether maintenance mode is on.
func (h *SystemHandlers) Maintenance(w http.ResponseWriter, r *http.Request) {
	h.writeMaintenance(w, r, http.StatusOK)
}

// EnterMaintenance turns maintenance mode on; masters stop claiming work.
func (h *SystemHandlers) EnterMaintenance(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.EnterMaintenance(r.Context()); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.writeMaintenance(w, r, http.StatusOK)
}

// LeaveMaintenance turns maintenance mode off.
func (h *SystemHandlers) LeaveMaintenance(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.LeaveMaintenance(r.Context()); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.writeMaintenance(w, r, http.StatusOK)
}

func (h *SystemHandlers) writeMaintenance(w http.ResponseWriter, r *http.Request, code int) {
	since, err := h.Queue.Maintenance(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, code, maintenanceResponse{Enabled: since != nil, Since: since})
}

var errStatusUnavailable = errors.New("status service not configured")
