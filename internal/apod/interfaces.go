package apod

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the raw record for a date, or the latest one when date is nil.
type Fetcher interface {
	Fetch(ctx context.Context, date *time.Time) (RawRecord, error)
}

// RowStore upserts normalized rows keyed by date.
type RowStore interface {
	Upsert(ctx context.Context, row Row) error
	Latest(ctx context.Context, limit int) ([]Row, error)
	Close() error
}

// FileSink merges a row into the flat file and returns its absolute path.
type FileSink interface {
	Append(ctx context.Context, row Row) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Snapshotter registers a file with the content-versioning tool and returns
// the path of the metadata file it produced.
type Snapshotter interface {
	Record(ctx context.Context, absPath string) (string, error)
}

// CommitResult describes what the change recorder did.
type CommitResult struct {
	Committed bool   `json:"committed"`
	Path      string `json:"path,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Committer stages and commits snapshot metadata into source control.
type Committer interface {
	Commit(ctx context.Context, metadataPath, csvPath string) (CommitResult, error)
}

// Publisher pushes run summaries to a topic (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
