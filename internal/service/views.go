package service

import (
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// JobView is a job record enriched with the derived fields shown by the API and the CLI.
type JobView struct {
	*model.Job
	Archived  bool          `json:"archived"`
	HighState string        `json:"highstate"`
	Flags     string        `json:"flags"`
	Age       time.Duration `json:"age"`
}

// NewJobView derives the view fields of j at now.
func NewJobView(j *model.Job, archived bool, now time.Time) JobView {
	return JobView{
		Job:       j,
		Archived:  archived,
		HighState: j.HighState(),
		Flags:     j.Flags(),
		Age:       max(now.Sub(j.Enqueued.At), 0),
	}
}

// SystemStatus summarizes the queue and the daemon registry.
type SystemStatus struct {
	At          time.Time            `json:"at"`
	Counts      model.QueueCounts    `json:"counts"`
	Daemons     []model.DaemonStatus `json:"daemons"`
	Halt        *time.Time           `json:"halt,omitempty"`
	Maintenance *time.Time           `json:"maintenance,omitempty"`
}
