package runner

import "time"

// StageReport is the outcome of one stage.
type StageReport struct {
	Name       string        `json:"name"`
	State      State         `json:"state"`
	BestEffort bool          `json:"best_effort,omitempty"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`

	err error
}

// Err returns the stage's final error, nil unless it failed.
func (s StageReport) Err() error { return s.err }

// Report is the outcome of one run.
type Report struct {
	RunID    string        `json:"run_id"`
	Date     string        `json:"date,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Stages   []StageReport `json:"stages"`
}

// Succeeded reports whether every required stage succeeded.
func (r Report) Succeeded() bool {
	if len(r.Stages) == 0 {
		return false
	}
	for _, s := range r.Stages {
		if s.BestEffort {
			continue
		}
		if s.State != StateSucceeded {
			return false
		}
	}
	return true
}

// Status is "succeeded" or "failed".
func (r Report) Status() string {
	if r.Succeeded() {
		return "succeeded"
	}
	return "failed"
}

// Stage returns the report for the named stage.
func (r Report) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageReport{}, false
}
