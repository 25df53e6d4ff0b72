package namespace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
)

func TestEnsureCreatesLayout(t *testing.T) {
	root := t.TempDir()

	dir, err := Ensure(root, "db-1", PerfData)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "db-1", "perfdata"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureNestedCategory(t *testing.T) {
	root := t.TempDir()

	dir, err := Ensure(root, "db-1", Prometheus)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "db-1", "metric", "prometheus"), dir)
}

func TestEnsureIsIdempotent(t *testing.T) {
	root := t.TempDir()

	dir, err := Ensure(root, "db-1", Logs)
	require.NoError(t, err)
	existing := filepath.Join(dir, "tidb.log")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0o644))

	again, err := Ensure(root, "db-1", Logs)
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestEnsureRejectsFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "db-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "db-1", "configs"), nil, 0o644))

	_, err := Ensure(root, "db-1", Configs)
	require.Error(t, err)
	assert.True(t, ierrors.Is(err, ierrors.ErrCodePathUnwritable))
}

func TestEnsureRejectsBadNames(t *testing.T) {
	root := t.TempDir()

	for _, alias := range []string{"", ".", "..", "a/b"} {
		_, err := Ensure(root, alias, Logs)
		assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest), "alias %q", alias)
	}
	_, err := Ensure(root, "db-1", "../escape")
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest))
}

func TestEnsureConcurrent(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, "db-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		for _, cat := range []string{Logs, Configs} {
			wg.Add(1)
			go func(cat string) {
				defer wg.Done()
				_, err := m.Ensure(cat)
				errs <- err
			}(cat)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewDefaults(t *testing.T) {
	m, err := New("", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(m.Root()))
	assert.Equal(t, "data", filepath.Base(m.Root()))
	assert.NotEmpty(t, m.Alias())
}

func TestManagerRel(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, "db-1")
	require.NoError(t, err)
	assert.Equal(t, "db-1/logs/a.log", m.Rel(filepath.Join(root, "db-1", "logs", "a.log")))
}

func TestWriteFileReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteFile(path, []byte("one")))
	require.NoError(t, WriteFile(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWriterAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.txt")

	w, err := Create(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriterCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.txt")

	w, err := Create(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	w.Abort()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestStageFileAbortLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "1234.data")

	s, err := StageFile(final)
	require.NoError(t, err)
	// The tool was killed mid-write.
	require.NoError(t, os.WriteFile(s.Temp, []byte("trunc"), 0o644))
	s.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStageFileCommit(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "1234.data")

	s, err := StageFile(final)
	require.NoError(t, err)
	_, statErr := os.Stat(s.Temp)
	assert.True(t, os.IsNotExist(statErr), "staged path must be free for the tool")

	require.NoError(t, os.WriteFile(s.Temp, []byte("perf"), 0o644))
	require.NoError(t, s.Commit())
	s.Abort()

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "perf", string(data))
}

func TestStageFileCommitWithoutOutput(t *testing.T) {
	s, err := StageFile(filepath.Join(t.TempDir(), "x.data"))
	require.NoError(t, err)
	assert.Error(t, s.Commit())
}

func TestStageDir(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "sda")

	s, err := StageDir(final)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Temp, "sda.blktrace.0"), []byte("x"), 0o644))
	require.NoError(t, s.Commit())

	_, err = os.Stat(filepath.Join(final, "sda.blktrace.0"))
	assert.NoError(t, err)
}

func TestStageDirCommitContents(t *testing.T) {
	final := filepath.Join(t.TempDir(), "blktrace")
	require.NoError(t, os.MkdirAll(final, DirMode))
	require.NoError(t, os.WriteFile(filepath.Join(final, "nvme0n1.blktrace.0"), []byte("old"), 0o644))

	s, err := StageDir(final)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Temp, "sda.blktrace.1"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Temp, "sda.blktrace.0"), []byte("a"), 0o644))

	moved, err := s.CommitContents()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(final, "sda.blktrace.0"),
		filepath.Join(final, "sda.blktrace.1"),
	}, moved)

	// Files from an earlier device stay; the stage is gone.
	_, err = os.Stat(filepath.Join(final, "nvme0n1.blktrace.0"))
	assert.NoError(t, err)
	_, err = os.Stat(s.Temp)
	assert.True(t, os.IsNotExist(err))

	again, err := s.CommitContents()
	assert.NoError(t, err)
	assert.Empty(t, again)
}

func TestCommitContentsRequiresDirStage(t *testing.T) {
	s, err := StageFile(filepath.Join(t.TempDir(), "out.data"))
	require.NoError(t, err)
	_, err = s.CommitContents()
	assert.Error(t, err)
}
