package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	// remoteUserHeader carries the authenticated user set by the fronting proxy.
	remoteUserHeader = "X-Remote-User"
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	if maxLimit < 1 {
		maxLimit = 1
	}
	lim := min(max(parseIntQuery(r, "limit", defLimit), 1), maxLimit)
	off := max(parseIntQuery(r, "offset", 0), 0)
	return lim, off
}

// splitList reads a repeated or comma-separated query parameter.
func splitList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseJobFilter builds a listing filter from ?name=, ?state=, ?marked=, ?worker= and ?limit=.
func parseJobFilter(r *http.Request) (model.JobFilter, error) {
	filter := model.JobFilter{
		Names:    splitList(r, "name"),
		LockedBy: r.URL.Query().Get("worker"),
	}
	filter.Limit, _ = ParseLimitOffset(r, defaultListLimit, maxListLimit)
	for _, s := range splitList(r, "state") {
		st := model.State(s)
		if !st.Valid() {
			return model.JobFilter{}, apperrors.ValidationField("state", "unknown state "+strconv.Quote(s))
		}
		filter.States = append(filter.States, st)
	}
	for _, s := range splitList(r, "marked") {
		m := model.Marker(s)
		if !m.Valid() {
			return model.JobFilter{}, apperrors.ValidationField("marked", "unknown marker "+strconv.Quote(s))
		}
		filter.Marked = append(filter.Marked, m)
	}
	return filter, nil
}

// statusForError maps error kinds to HTTP status codes.
func statusForError(err error) (int, string) {
	switch code := apperrors.GetCode(err); code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest, string(code)
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound, string(code)
	case apperrors.ErrCodeConflict:
		return http.StatusConflict, string(code)
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout, string(code)
	case "":
		return http.StatusInternalServerError, string(apperrors.ErrCodeInternal)
	default:
		return http.StatusInternalServerError, string(code)
	}
}

// writeServiceError renders err as a JSON error. Server-side failures are logged with the
// full cause and answered with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
		}
		err = errors.New(http.StatusText(status))
	}
	writeErrorBody(w, r, status, errorBody{Error: code, Message: err.Error(), Field: apperrors.GetField(err)})
}
