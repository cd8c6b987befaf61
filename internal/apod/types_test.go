package apod

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowValuesFollowColumns(t *testing.T) {
	t.Parallel()

	row := Row{
		Date:           "2024-05-01",
		Title:          "T",
		URL:            "u",
		Explanation:    "e",
		MediaType:      "image",
		HDURL:          "hd",
		Copyright:      "c",
		ServiceVersion: "v1",
		ExtractedAt:    "2024-05-01T00:00:00.000000Z",
	}
	values := row.Values()
	require.Len(t, values, len(Columns))
	require.Equal(t, row, RowFromValues(Columns, values))
}

func TestRowFromValuesMapsByHeaderName(t *testing.T) {
	t.Parallel()

	header := []string{"title", "date", "legacy_column"}
	row := RowFromValues(header, []string{"Moon", "2024-01-02", "ignored"})
	require.Equal(t, "2024-01-02", row.Date)
	require.Equal(t, "Moon", row.Title)
	require.Empty(t, row.HDURL)
	require.Empty(t, row.ExtractedAt)
}

func TestRowFromValuesShortRecord(t *testing.T) {
	t.Parallel()

	row := RowFromValues(Columns, []string{"2024-01-02"})
	require.Equal(t, "2024-01-02", row.Date)
	require.Empty(t, row.Title)
}

func TestRawRecordDate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2024-05-01", RawRecord{"date": "2024-05-01"}.Date())
	require.Empty(t, RawRecord{"date": 20240501}.Date())
	var nilRecord RawRecord
	require.Empty(t, nilRecord.Date())
}

func TestParsedDate(t *testing.T) {
	t.Parallel()

	got, err := Row{Date: "2024-05-01"}.ParsedDate()
	require.NoError(t, err)
	require.Equal(t, 2024, got.Year())

	_, err = Row{Date: "05/01/2024"}.ParsedDate()
	require.Error(t, err)
}
