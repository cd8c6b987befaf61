package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "apod/apod_data.csv", "text/csv", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://apod/apod_data.csv" {
		t.Fatalf("unexpected uri %s", uri)
	}
	got, ct, ok := store.Object("apod/apod_data.csv")
	if !ok || string(got) != "content" || ct != "text/csv" {
		t.Fatalf("unexpected object %q %q %v", got, ct, ok)
	}
	got[0] = 'C'
	again, _, _ := store.Object("apod/apod_data.csv")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
