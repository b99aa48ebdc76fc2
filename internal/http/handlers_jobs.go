package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-queue/internal/service"
)

// JobHandlers provides HTTP handlers for job operations.
type JobHandlers struct {
	Svc    *service.QueueService
	Logger *slog.Logger
}

// EnqueueRequest is the body of POST /api/jobs.
type EnqueueRequest struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Username string         `json:"username,omitempty"`
}

// Enqueue handles HTTP requests to enqueue a job. A live duplicate yields 409.
func (h *JobHandlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		req.Username = r.Header.Get(remoteUserHeader)
	}

	job, err := h.Svc.Enqueue(r.Context(), service.EnqueueRequest{
		Name:     req.Name,
		Args:     req.Args,
		Username: req.Username,
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// List handles HTTP requests to list live jobs.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	jobs, err := h.Svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// Get handles HTTP requests for a job's detail, falling back to the journal.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.Svc.GetDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Kill handles HTTP requests to flag a job as killed.
func (h *JobHandlers) Kill(w http.ResponseWriter, r *http.Request) {
	applied, err := h.Svc.Kill(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// Remove handles HTTP requests to flag a job for removal.
func (h *JobHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	applied, err := h.Svc.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// Restart handles HTTP requests to restart a waiting or stopped job. The response carries
// the identifier of the restarted job, which differs from the request's for stopped jobs.
func (h *JobHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	newID, err := h.Svc.Restart(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": newID, "previous_id": id})
}

// Journal handles HTTP requests for the most recent journal entries.
func (h *JobHandlers) Journal(w http.ResponseWriter, r *http.Request) {
	limit, _ := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	jobs, err := h.Svc.Journal(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}
