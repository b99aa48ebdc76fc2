package slack

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/observability/notify"
)

const hook = "https://hooks.slack.com/services/test"

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{WebhookURL: " "})
	require.Error(t, err)

	c, err := NewClient(Config{WebhookURL: hook, JobURLPrefix: "not a url"})
	require.NoError(t, err)
	assert.Nil(t, c.link, "relative prefixes are dropped")
	assert.Equal(t, "mmkq", c.cfg.Username)
}

func TestBuildMessage(t *testing.T) {
	c, err := NewClient(Config{WebhookURL: hook, Channel: "#alerts", Username: "bot", JobURLPrefix: "https://queue.example/api/jobs"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := c.buildMessage(notify.JobFailurePayload{
		JobID:      "42",
		JobType:    "mmk.fail",
		State:      "error",
		Trial:      3,
		Attempts:   3,
		Worker:     "mmkq@host",
		Error:      "a & <b>",
		ErrorClass: "job_error",
		OccurredAt: at,
		Metadata:   map[string]string{"hostname": "host"},
	})

	assert.Equal(t, "#alerts", msg.Channel)
	assert.Equal(t, "bot", msg.Username)
	assert.Equal(t, "Job 42 (mmk.fail) failed", msg.Text)
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	assert.Equal(t, colorCritical, att.Color)
	assert.Equal(t, "<https://queue.example/api/jobs/42|42> (mmk.fail)", att.Title)
	assert.Equal(t, "```a &amp; &lt;b&gt;```", att.Text)
	assert.Equal(t, "mmkq@host", att.Footer)
	assert.Equal(t, at.Unix(), att.TS)
	assert.Equal(t, []field{
		{Title: "Severity", Value: "critical", Short: true},
		{Title: "State", Value: "error", Short: true},
		{Title: "Trial", Value: "3/3", Short: true},
		{Title: "Error class", Value: "job_error", Short: true},
		{Title: "hostname", Value: "host", Short: true},
	}, att.Fields)
}

func TestBuildMessageWarning(t *testing.T) {
	c, err := NewClient(Config{WebhookURL: hook})
	require.NoError(t, err)

	msg := c.buildMessage(notify.JobFailurePayload{JobID: "7", Severity: notify.SeverityWarning})
	att := msg.Attachments[0]
	assert.Equal(t, colorWarning, att.Color)
	assert.Equal(t, "`7` (unknown)", att.Title)
	assert.Empty(t, att.Text)
	assert.Empty(t, msg.Channel)
}

func TestSendJobFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg message
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Len(t, msg.Attachments, 1)
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)
	require.NoError(t, c.SendJobFailure(t.Context(), notify.JobFailurePayload{JobID: "1"}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestSendJobFailureReportsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(Config{WebhookURL: srv.URL})
	require.NoError(t, err)
	err = c.SendJobFailure(t.Context(), notify.JobFailurePayload{JobID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_token")
}
