package dvc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/apod-pipeline/internal/execx"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
	"github.com/JakeFAU/apod-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/apod-pipeline/internal/versioning/dvc"
)

// dvcAddWrites simulates a successful dvc add that writes the metadata file.
func dvcAddWrites(t *testing.T) func(c execx.Call) (execx.Output, error) {
	t.Helper()
	return func(c execx.Call) (execx.Output, error) {
		if len(c.Args) == 2 && c.Args[0] == "add" {
			require.NoError(t, os.WriteFile(c.Args[1]+".dvc", []byte("outs:\n"), 0o600))
		}
		return execx.Output{}, nil
	}
}

func setup(t *testing.T, withDVCDir bool) (dir, csv string) {
	t.Helper()
	dir = t.TempDir()
	if withDVCDir {
		require.NoError(t, os.Mkdir(filepath.Join(dir, ".dvc"), 0o750))
	}
	csv = filepath.Join(dir, "apod_data.csv")
	require.NoError(t, os.WriteFile(csv, []byte("date\n2024-05-01\n"), 0o600))
	return dir, csv
}

func TestRecordInitializesWhenMissing(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, false)
	fake := &execx.FakeRunner{Handle: dvcAddWrites(t)}
	rec, err := dvc.New(fake, sha256.New(), dvc.Config{WorkDir: dir}, nil)
	require.NoError(t, err)

	meta, err := rec.Record(context.Background(), csv)
	require.NoError(t, err)
	assert.Equal(t, csv+".dvc", meta)
	assert.Equal(t, []string{"dvc init --no-scm", "dvc add " + csv}, fake.Commands())
	for _, c := range fake.Calls() {
		assert.Equal(t, dir, c.Dir)
	}
}

func TestRecordSkipsInitWhenPresent(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	fake := &execx.FakeRunner{Handle: dvcAddWrites(t)}
	rec, err := dvc.New(fake, nil, dvc.Config{Binary: "/opt/dvc", WorkDir: dir}, nil)
	require.NoError(t, err)

	_, err = rec.Record(context.Background(), csv)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/dvc add " + csv}, fake.Commands())
}

func TestRecordToleratesInitFailure(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, false)
	add := dvcAddWrites(t)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		if c.Args[0] == "init" {
			return execx.Fail(c, 1, "already initialized")
		}
		return add(c)
	}}
	rec, err := dvc.New(fake, nil, dvc.Config{WorkDir: dir}, nil)
	require.NoError(t, err)

	meta, err := rec.Record(context.Background(), csv)
	require.NoError(t, err)
	assert.Equal(t, csv+".dvc", meta)
}

func TestRecordAddFailureIsToolError(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		return execx.Fail(c, 255, "ERROR: not a dvc repository")
	}}
	rec, err := dvc.New(fake, nil, dvc.Config{WorkDir: dir}, nil)
	require.NoError(t, err)

	_, err = rec.Record(context.Background(), csv)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTool))
	assert.False(t, failure.Retryable(err))
	assert.Equal(t, 255, execx.ExitCode(err))
}

func TestRecordMissingMetadata(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	rec, err := dvc.New(&execx.FakeRunner{}, nil, dvc.Config{WorkDir: dir}, nil)
	require.NoError(t, err)

	_, err = rec.Record(context.Background(), csv)
	require.ErrorIs(t, err, failure.ErrMetadataMissing)
	assert.True(t, failure.Is(err, failure.KindTool))
}

func TestRecordLogsDigest(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	core, logs := observer.New(zap.InfoLevel)
	rec, err := dvc.New(&execx.FakeRunner{Handle: dvcAddWrites(t)}, sha256.New(), dvc.Config{WorkDir: dir}, zap.New(core))
	require.NoError(t, err)

	_, err = rec.Record(context.Background(), csv)
	require.NoError(t, err)

	entries := logs.FilterMessage("recorded dvc snapshot").All()
	require.Len(t, entries, 1)
	digest, ok := entries[0].ContextMap()["sha256"].(string)
	require.True(t, ok)
	assert.Len(t, digest, 64)
}

func TestRecordCustomMetadataExt(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		require.NoError(t, os.WriteFile(c.Args[1]+".meta", nil, 0o600))
		return execx.Output{}, nil
	}}
	rec, err := dvc.New(fake, nil, dvc.Config{WorkDir: dir, MetadataExt: ".meta"}, nil)
	require.NoError(t, err)

	meta, err := rec.Record(context.Background(), csv)
	require.NoError(t, err)
	assert.Equal(t, csv+".meta", meta)
}

func TestRecordCanceledContext(t *testing.T) {
	t.Parallel()

	dir, csv := setup(t, true)
	rec, err := dvc.New(&execx.FakeRunner{}, nil, dvc.Config{WorkDir: dir}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rec.Record(ctx, csv)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresRunner(t *testing.T) {
	t.Parallel()

	_, err := dvc.New(nil, nil, dvc.Config{}, nil)
	require.Error(t, err)
}
