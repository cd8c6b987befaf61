package git_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apod-pipeline/internal/execx"
	"github.com/JakeFAU/apod-pipeline/internal/versioning/git"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var commitTime = time.Date(2024, 5, 1, 6, 7, 8, 0, time.UTC)

// repo creates a work dir with a .git directory and a metadata file.
func repo(t *testing.T) (dir, csv, meta string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o750))
	csv = filepath.Join(dir, "apod_data.csv")
	meta = csv + ".dvc"
	require.NoError(t, os.WriteFile(meta, []byte("outs:\n"), 0o600))
	return dir, csv, meta
}

// changed scripts a repository where the staged file differs from HEAD.
func changed(c execx.Call) (execx.Output, error) {
	if c.Args[0] == "diff" {
		return execx.Fail(c, 1, "")
	}
	return execx.Output{}, nil
}

func newRecorder(t *testing.T, fake *execx.FakeRunner, dir string) *git.Recorder {
	t.Helper()
	rec, err := git.New(fake, fixedClock{commitTime}, git.Config{
		WorkDir:   dir,
		UserName:  "bot",
		UserEmail: "bot@example.com",
	}, nil)
	require.NoError(t, err)
	return rec
}

func TestCommitHappyPath(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{Handle: changed}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), meta, csv)
	require.NoError(t, err)

	wantMsg := "Add DVC metadata for APOD data - 2024-05-01 06:07:08"
	assert.True(t, res.Committed)
	assert.Equal(t, meta, res.Path)
	assert.Equal(t, wantMsg, res.Message)
	assert.Equal(t, []string{
		"git config user.name bot",
		"git config user.email bot@example.com",
		"git add " + meta,
		"git diff --cached --quiet -- " + meta,
		"git commit -m " + wantMsg,
	}, fake.Commands())
}

func TestCommitNoRepository(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fake := &execx.FakeRunner{}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), filepath.Join(dir, "x.dvc"), "")
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, git.SkipNoRepository, res.Skipped)
	assert.Empty(t, fake.Calls())
}

func TestCommitDerivesMetadataFromCSV(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{Handle: changed}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), "", csv)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, meta, res.Path)
}

func TestCommitMissingMetadataSkips(t *testing.T) {
	t.Parallel()

	dir, _, _ := repo(t)
	fake := &execx.FakeRunner{}
	rec := newRecorder(t, fake, dir)

	res, err := rec.Commit(context.Background(), filepath.Join(dir, "gone.csv.dvc"), "")
	require.NoError(t, err)
	assert.Equal(t, git.SkipNoMetadata, res.Skipped)

	res, err = rec.Commit(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, git.SkipNoMetadata, res.Skipped)
	assert.Empty(t, fake.Calls())
}

func TestCommitConfigFailureIgnored(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		if c.Args[0] == "config" {
			return execx.Fail(c, 255, "could not lock config file")
		}
		return changed(c)
	}}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), meta, csv)
	require.NoError(t, err)
	assert.True(t, res.Committed)
}

func TestCommitAddFailureSkips(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		if c.Args[0] == "add" {
			return execx.Fail(c, 128, "fatal: pathspec did not match")
		}
		return execx.Output{}, nil
	}}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), meta, csv)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, git.SkipAddFailed, res.Skipped)
	assert.Equal(t, "git add "+meta, fake.Commands()[len(fake.Commands())-1])
}

func TestCommitNothingStaged(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), meta, csv)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, git.SkipNothingToCommit, res.Skipped)
	for _, cmd := range fake.Commands() {
		assert.NotContains(t, cmd, "git commit")
	}
}

func TestCommitFailureIsSuccess(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	fake := &execx.FakeRunner{Handle: func(c execx.Call) (execx.Output, error) {
		if c.Args[0] == "commit" {
			return execx.Fail(c, 1, "nothing to commit, working tree clean")
		}
		return changed(c)
	}}
	res, err := newRecorder(t, fake, dir).Commit(context.Background(), meta, csv)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, git.SkipNothingToCommit, res.Skipped)
	assert.NotEmpty(t, res.Message)
}

func TestCommitCanceledContext(t *testing.T) {
	t.Parallel()

	dir, csv, meta := repo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRecorder(t, &execx.FakeRunner{}, dir).Commit(ctx, meta, csv)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresRunner(t *testing.T) {
	t.Parallel()

	_, err := git.New(nil, nil, git.Config{}, nil)
	require.Error(t, err)
}
