// Package slack delivers job failure alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-queue/internal/observability/notify"
)

// Attachment colors by severity.
const (
	colorCritical = "#d00000"
	colorWarning  = "#e8a317"
)

// Config addresses an incoming webhook.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	// JobURLPrefix, when it is an absolute URL, links the job id in the title.
	JobURLPrefix string
	Client       *http.Client
}

// Client posts one attachment per failed job.
type Client struct {
	cfg  Config
	link *url.URL
	hc   *http.Client
}

var _ notify.Sink = (*Client)(nil)

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Fallback string  `json:"fallback"`
	Color    string  `json:"color"`
	Title    string  `json:"title"`
	Text     string  `json:"text,omitempty"`
	Fields   []field `json:"fields,omitempty"`
	Footer   string  `json:"footer,omitempty"`
	TS       int64   `json:"ts"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewClient requires a webhook URL. An unusable JobURLPrefix is ignored.
func NewClient(cfg Config) (*Client, error) {
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	if cfg.WebhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}
	cfg.Channel = strings.TrimSpace(cfg.Channel)
	cfg.Username = notify.Fallback(strings.TrimSpace(cfg.Username), "mmkq")
	cfg.RetryLimit = max(cfg.RetryLimit, 0)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	c := &Client{cfg: cfg, hc: cfg.Client}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: cfg.Timeout}
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.JobURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		c.link = u
	}
	return c, nil
}

// SendJobFailure posts the alert, retrying failed deliveries up to RetryLimit times.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	return notify.PostJSON(ctx, c.hc, c.cfg.WebhookURL, body, c.cfg.RetryLimit, "slack webhook")
}

func (c *Client) buildMessage(p notify.JobFailurePayload) message {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	jobType := notify.Fallback(p.JobType, "unknown")
	jobID := strings.TrimSpace(p.JobID)
	severity := notify.Fallback(p.Severity, notify.SeverityCritical)

	color := colorCritical
	if severity == notify.SeverityWarning {
		color = colorWarning
	}
	summary := fmt.Sprintf("Job %s (%s) failed", notify.Fallback(jobID, "unknown"), jobType)

	att := attachment{
		Fallback: summary,
		Color:    color,
		Title:    c.title(jobID, jobType),
		Fields:   c.fields(p, severity),
		Footer:   p.Worker,
		TS:       at.Unix(),
	}
	if p.Error != "" {
		att.Text = "```" + escape(p.Error) + "```"
	}
	return message{
		Channel:     c.cfg.Channel,
		Username:    c.cfg.Username,
		Text:        escape(summary),
		Attachments: []attachment{att},
	}
}

func (c *Client) title(jobID, jobType string) string {
	if jobID == "" {
		return "unknown job (" + escape(jobType) + ")"
	}
	ref := "`" + escape(jobID) + "`"
	if c.link != nil {
		ref = fmt.Sprintf("<%s|%s>", c.link.JoinPath(jobID).String(), escape(jobID))
	}
	return ref + " (" + escape(jobType) + ")"
}

func (c *Client) fields(p notify.JobFailurePayload, severity string) []field {
	var out []field
	add := func(title, value string, short bool) {
		if strings.TrimSpace(value) != "" {
			out = append(out, field{Title: title, Value: escape(value), Short: short})
		}
	}
	add("Severity", severity, true)
	add("State", p.State, true)
	if p.Trial > 0 {
		trial := strconv.Itoa(p.Trial)
		if p.Attempts > 0 {
			trial += "/" + strconv.Itoa(p.Attempts)
		}
		add("Trial", trial, true)
	}
	add("Error class", p.ErrorClass, true)

	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		add(k, p.Metadata[k], true)
	}
	return out
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return escaper.Replace(s) }
