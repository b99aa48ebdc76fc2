// Package pagerduty raises job failure incidents through the PagerDuty Events API v2.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/mmk-queue/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const defaultTimeout = 5 * time.Second

// Config configures the PagerDuty sink. RoutingKey is required.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix, when set, attaches a link to the job to every incident.
	JobURLPrefix string
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client triggers one incident per failed job trial.
type Client struct {
	cfg    Config
	client *http.Client
}

var _ notify.Sink = (*Client)(nil)

// event is the Events API v2 trigger body.
type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
	Links       []eventLink  `json:"links,omitempty"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Class         string         `json:"class,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

type eventLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// NewClient validates cfg and fills defaults.
func NewClient(cfg Config) (*Client, error) {
	cfg.RoutingKey = strings.TrimSpace(cfg.RoutingKey)
	if cfg.RoutingKey == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	cfg.Source = notify.Fallback(strings.TrimSpace(cfg.Source), "mmkq")
	cfg.Component = notify.Fallback(strings.TrimSpace(cfg.Component), "mmkq")
	cfg.Endpoint = notify.Fallback(cfg.Endpoint, APIEndpoint)
	cfg.RetryLimit = max(cfg.RetryLimit, 0)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: hc}, nil
}

// SendJobFailure triggers an incident for payload.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty event: %w", err)
	}
	return notify.PostJSON(ctx, c.client, c.cfg.Endpoint, body, c.cfg.RetryLimit, "pagerduty api")
}

func (c *Client) buildEvent(p notify.JobFailurePayload) event {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	details := make(map[string]any, len(p.Metadata)+8)
	for k, v := range p.Metadata {
		details[k] = v
	}
	// job fields win over metadata with the same key
	details["job_id"] = p.JobID
	details["job_type"] = p.JobType
	details["state"] = p.State
	details["trial"] = p.Trial
	details["attempts"] = p.Attempts
	details["worker"] = p.Worker
	details["error"] = p.Error
	details["error_class"] = p.ErrorClass

	ev := event{
		RoutingKey:  c.cfg.RoutingKey,
		EventAction: "trigger",
		// a restarted job gets a new id and therefore a new incident
		DedupKey: strings.Trim(fmt.Sprintf("%s:%s:%d", p.JobType, p.JobID, p.Trial), ":"),
		Payload: eventPayload{
			Summary: fmt.Sprintf("Job %s (%s) ended in %s",
				notify.Fallback(p.JobID, "unknown"),
				notify.Fallback(p.JobType, "unknown"),
				notify.Fallback(p.State, "error")),
			Severity:      notify.Fallback(strings.ToLower(p.Severity), notify.SeverityCritical),
			Source:        c.cfg.Source,
			Component:     c.cfg.Component,
			Class:         p.ErrorClass,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
	if href := c.jobLink(p.JobID); href != "" {
		ev.Links = []eventLink{{Href: href, Text: "Job " + p.JobID}}
	}
	return ev
}

func (c *Client) jobLink(jobID string) string {
	if c.cfg.JobURLPrefix == "" || strings.TrimSpace(jobID) == "" {
		return ""
	}
	link, err := url.JoinPath(c.cfg.JobURLPrefix, jobID)
	if err != nil {
		return ""
	}
	return link
}
