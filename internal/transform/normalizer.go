// Package transform maps raw APOD payloads onto the fixed-shape apod.Row.
package transform

import (
	"fmt"
	"time"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
)

const op = "normalize"

// Normalizer builds rows from raw records. It performs no I/O.
type Normalizer struct {
	clock apod.Clock
}

// NewNormalizer returns a Normalizer stamping rows with clock's time.
func NewNormalizer(clock apod.Clock) *Normalizer {
	return &Normalizer{clock: clock}
}

// Normalize selects the row fields from raw and attaches extracted_at.
// An absent or empty record fails with failure.ErrNoData; a missing or
// unparseable date, or a field of the wrong JSON type, fails with
// failure.ErrMalformed. Missing text fields become empty strings.
func (n *Normalizer) Normalize(raw apod.RawRecord) (apod.Row, error) {
	if len(raw) == 0 {
		return apod.Row{}, failure.Validation(op, "raw record is empty", failure.ErrNoData)
	}

	date, err := field(raw, "date")
	if err != nil {
		return apod.Row{}, err
	}
	if date == "" {
		return apod.Row{}, failure.Validation(op, "date is missing", failure.ErrMalformed)
	}
	if _, err := time.Parse(apod.DateLayout, date); err != nil {
		return apod.Row{}, failure.Validation(op, fmt.Sprintf("date %q is not YYYY-MM-DD", date), failure.ErrMalformed)
	}

	row := apod.Row{Date: date}
	targets := []struct {
		key string
		dst *string
	}{
		{"title", &row.Title},
		{"url", &row.URL},
		{"explanation", &row.Explanation},
		{"media_type", &row.MediaType},
		{"hdurl", &row.HDURL},
		{"copyright", &row.Copyright},
		{"service_version", &row.ServiceVersion},
	}
	for _, t := range targets {
		v, err := field(raw, t.key)
		if err != nil {
			return apod.Row{}, err
		}
		*t.dst = v
	}

	row.ExtractedAt = n.now().Format(apod.TimestampLayout)
	return row, nil
}

func (n *Normalizer) now() time.Time {
	if n == nil || n.clock == nil {
		return time.Now().UTC()
	}
	return n.clock.Now().UTC()
}

// field returns raw[key] as a string. Absent and null values are empty.
func field(raw apod.RawRecord, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", failure.Validation(op, fmt.Sprintf("field %q has type %T, want string", key, v), failure.ErrMalformed)
	}
	return s, nil
}
