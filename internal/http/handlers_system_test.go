package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

func TestQueueAggregateEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/queue/snapshot", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.do(t, http.MethodPost, "/api/jobs", EnqueueRequest{Name: domainjob.TypeNoop})

	rec = f.do(t, http.MethodGet, "/api/queue/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["pending"])

	rec = f.do(t, http.MethodGet, "/api/queue/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode[[]model.QueueStateGroup](t, rec)
	require.Len(t, groups, 1)
	assert.Equal(t, domainjob.TypeNoop, groups[0].Name)
	assert.Equal(t, 1, groups[0].Count)

	rec = f.do(t, http.MethodGet, "/api/queue/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHaltAndMaintenanceEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/halt", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	halt, err := f.store.GetSentinel(t.Context(), model.SentinelHalt)
	require.NoError(t, err)
	assert.NotNil(t, halt)

	rec = f.do(t, http.MethodGet, "/api/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["enabled"])

	rec = f.do(t, http.MethodPut, "/api/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["enabled"])

	rec = f.do(t, http.MethodDelete, "/api/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["enabled"])

	rec = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec), "halt")
}

func TestDaemonsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	now := f.clock.Now()
	rec := &model.DaemonRecord{ID: "w@h", Name: "w", Hostname: "h", Kind: model.DaemonKindWorker, Heartbeat: &now}
	require.NoError(t, f.store.Register(t.Context(), rec))

	resp := f.do(t, http.MethodGet, "/api/daemons", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	daemons := decode[[]model.DaemonStatus](t, resp)
	require.Len(t, daemons, 1)
	assert.True(t, daemons[0].Alive)
	assert.Nil(t, daemons[0].LoopTime)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperrors.Validationf("bad"), http.StatusBadRequest, "validation"},
		{"not found", apperrors.NotFoundf("gone"), http.StatusNotFound, "not_found"},
		{"conflict", apperrors.Conflictf("dup"), http.StatusConflict, "conflict"},
		{"invariant", apperrors.Invariantf("broken"), http.StatusInternalServerError, "invariant"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusForError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

type failingCounter struct{}

func (failingCounter) Counts(context.Context) (model.QueueCounts, error) {
	return nil, errors.New("store down")
}

func TestReadyHandler(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	readyHandler(failingCounter{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := Recover(discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"internal"`)
}
