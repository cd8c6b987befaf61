package apod

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used by the API, the table key and the CSV.
const DateLayout = "2006-01-02"

// TimestampLayout renders extracted_at in a sortable, parseable form.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// RawRecord is the untyped JSON object returned by the APOD endpoint for one date.
type RawRecord map[string]any

// Date returns the record's date field when it is a string.
func (r RawRecord) Date() string {
	if r == nil {
		return ""
	}
	s, _ := r["date"].(string)
	return s
}

// Columns is the fixed header of the flat file and the column order of the table.
var Columns = []string{
	"date",
	"title",
	"url",
	"explanation",
	"media_type",
	"hdurl",
	"copyright",
	"service_version",
	"extracted_at",
}

// Row is the normalized, fixed-shape record consumed by both sinks.
// Optional fields are empty strings, never absent.
type Row struct {
	Date           string `json:"date"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	Explanation    string `json:"explanation"`
	MediaType      string `json:"media_type"`
	HDURL          string `json:"hdurl"`
	Copyright      string `json:"copyright"`
	ServiceVersion string `json:"service_version"`
	ExtractedAt    string `json:"extracted_at"`
}

// Values returns the row's fields in Columns order.
func (r Row) Values() []string {
	return []string{
		r.Date,
		r.Title,
		r.URL,
		r.Explanation,
		r.MediaType,
		r.HDURL,
		r.Copyright,
		r.ServiceVersion,
		r.ExtractedAt,
	}
}

// RowFromValues maps a record onto a Row using header names. Columns not in
// the header are left empty and unknown header names are ignored.
func RowFromValues(header, record []string) Row {
	var row Row
	for i, name := range header {
		if i >= len(record) {
			break
		}
		v := record[i]
		switch name {
		case "date":
			row.Date = v
		case "title":
			row.Title = v
		case "url":
			row.URL = v
		case "explanation":
			row.Explanation = v
		case "media_type":
			row.MediaType = v
		case "hdurl":
			row.HDURL = v
		case "copyright":
			row.Copyright = v
		case "service_version":
			row.ServiceVersion = v
		case "extracted_at":
			row.ExtractedAt = v
		}
	}
	return row
}

// ParsedDate parses the row's calendar date.
func (r Row) ParsedDate() (time.Time, error) {
	t, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse row date %q: %w", r.Date, err)
	}
	return t, nil
}

// ParsedExtractedAt parses the row's capture timestamp.
func (r Row) ParsedExtractedAt() (time.Time, error) {
	t, err := time.Parse(TimestampLayout, r.ExtractedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse extracted_at %q: %w", r.ExtractedAt, err)
	}
	return t, nil
}
