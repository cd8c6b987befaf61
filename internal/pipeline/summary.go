package pipeline

import (
	"time"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/runner"
)

// RunSummary is the JSON document published after every run.
type RunSummary struct {
	RunID        string             `json:"run_id"`
	Date         string             `json:"date,omitempty"`
	Status       string             `json:"status"`
	Started      time.Time          `json:"started"`
	Finished     time.Time          `json:"finished"`
	Stages       []StageSummary     `json:"stages"`
	CSVPath      string             `json:"csv_path,omitempty"`
	MetadataPath string             `json:"dvc_metadata_path,omitempty"`
	Commit       *apod.CommitResult `json:"commit,omitempty"`
}

// StageSummary is one stage's line in a RunSummary.
type StageSummary struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Attempts int     `json:"attempts"`
	Seconds  float64 `json:"seconds"`
	Error    string  `json:"error,omitempty"`
}

// Summarize flattens a report for publication.
func Summarize(r runner.Report) RunSummary {
	s := RunSummary{
		RunID:    r.RunID,
		Date:     r.Date,
		Status:   r.Status(),
		Started:  r.Started,
		Finished: r.Finished,
		Stages:   make([]StageSummary, 0, len(r.Stages)),
	}
	for _, st := range r.Stages {
		s.Stages = append(s.Stages, StageSummary{
			Name:     st.Name,
			State:    string(st.State),
			Attempts: st.Attempts,
			Seconds:  st.Duration.Seconds(),
			Error:    st.Error,
		})
	}
	return s
}
