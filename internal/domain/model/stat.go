package model

import "time"

// StatRecord is a best-effort snapshot of queue counts written after a queue event.
type StatRecord struct {
	At     time.Time   `json:"timestamp"`
	Event  string      `json:"event"`
	Data   []string    `json:"data,omitempty"`
	Counts QueueCounts `json:"counts"`
}

// QueueSnapshot is the non-authoritative aggregate cached for dashboards.
type QueueSnapshot struct {
	At     time.Time   `json:"at"`
	Counts QueueCounts `json:"counts"`
}
