package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apod-pipeline/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.ErrorContains(t, err, "not a directory")
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		dir := t.TempDir()
		// #nosec G302 -- read-only directory for the test.
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

		_, err := local.New(local.Config{BaseDir: dir})
		assert.ErrorContains(t, err, "not writable")
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir, Prefix: "/apod/"})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "apod_data.csv", "text/csv", strings.NewReader("v1"))
	require.NoError(t, err)
	want := filepath.Join(dir, "apod", "apod_data.csv")
	assert.Equal(t, "file://"+filepath.ToSlash(want), uri)

	_, err = store.PutObject(ctx, "apod_data.csv", "text/csv", strings.NewReader("v2"))
	require.NoError(t, err)
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestPutObjectRejects(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), "../escape.csv", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "escapes")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "x.csv", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
