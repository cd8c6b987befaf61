package runner

import (
	"sync"
	"time"
)

// Keys under which stages hand values to each other.
const (
	KeyRawRecord    = "raw_apod_data"
	KeyRows         = "transformed_rows"
	KeyCSVPath      = "csv_path"
	KeyAbsCSVPath   = "abs_csv_path"
	KeyMetadataPath = "dvc_metadata_path"
)

// RunContext is the per-run value store shared by the stages of one run.
type RunContext struct {
	runID string
	date  *time.Time

	mu     sync.RWMutex
	values map[string]any
}

// NewRunContext creates the store for one run. date is nil for "latest".
func NewRunContext(runID string, date *time.Time) *RunContext {
	var d *time.Time
	if date != nil {
		v := *date
		d = &v
	}
	return &RunContext{runID: runID, date: d, values: make(map[string]any)}
}

// RunID identifies the run.
func (rc *RunContext) RunID() string { return rc.runID }

// Date is the requested logical date, nil when the latest record was requested.
func (rc *RunContext) Date() *time.Time {
	if rc.date == nil {
		return nil
	}
	v := *rc.date
	return &v
}

// Set stores v under key, replacing any prior value.
func (rc *RunContext) Set(key string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[key] = v
}

// Get returns the value stored under key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// String returns the string stored under key, or "" when absent or not a string.
func (rc *RunContext) String(key string) string {
	v, _ := rc.Get(key)
	s, _ := v.(string)
	return s
}

// Keys lists the keys currently set.
func (rc *RunContext) Keys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]string, 0, len(rc.values))
	for k := range rc.values {
		out = append(out, k)
	}
	return out
}
