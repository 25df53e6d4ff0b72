package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
)

type entry struct {
	mode fs.FileMode
	data []byte
	link string
}

// snapshotTree records every file, directory and link below root keyed by
// slash separated relative path.
func snapshotTree(t *testing.T, root string) map[string]entry {
	t.Helper()
	out := make(map[string]entry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		info, err := d.Info()
		require.NoError(t, err)
		e := entry{mode: info.Mode()}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			e.link, err = os.Readlink(path)
			require.NoError(t, err)
		case info.Mode().IsRegular():
			e.data, err = os.ReadFile(path)
			require.NoError(t, err)
		}
		out[filepath.ToSlash(rel)] = e
		return nil
	})
	require.NoError(t, err)
	return out
}

func writeBundle(t *testing.T, outdir, alias string) {
	t.Helper()
	files := map[string]string{
		"collector/proc_stats.json":            `[{"pid":100}]`,
		"perfdata/100_tidb-server.data":        "\x00\x01perf\xff",
		"logs/tidb-100/tidb.log":               "line 1\nline 2\n",
		"metric/prometheus/up_1_to_2_15s.json": `[]`,
		"size-100":                             "4.0K\t/data/tidb\n",
		"manifest.yaml":                        "alias: db-1\n",
	}
	for rel, data := range files {
		path := filepath.Join(outdir, alias, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(outdir, alias, "blktrace"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(outdir, alias, "size-100"), 0o600))
	require.NoError(t, os.Symlink("tidb.log", filepath.Join(outdir, alias, "logs/tidb-100/current.log")))
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	outdir := t.TempDir()
	writeBundle(t, outdir, "db-1")

	tarball, err := Compress(outdir, "db-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outdir, "db-1.tar.gz"), tarball)

	dest := t.TempDir()
	unpacked, err := Extract(tarball, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{tarball}, unpacked)

	want := snapshotTree(t, filepath.Join(outdir, "db-1"))
	got := snapshotTree(t, filepath.Join(dest, "db-1"))
	assert.Equal(t, want, got)
}

func TestExtractPreservesModTime(t *testing.T) {
	outdir := t.TempDir()
	writeBundle(t, outdir, "db-1")
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src := filepath.Join(outdir, "db-1", "size-100")
	require.NoError(t, os.Chtimes(src, stamp, stamp))

	tarball, err := Compress(outdir, "db-1")
	require.NoError(t, err)
	dest := t.TempDir()
	_, err = Extract(tarball, dest)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "db-1", "size-100"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp), "mtime %v", info.ModTime())
}

func TestCompressMissingAlias(t *testing.T) {
	_, err := Compress(t.TempDir(), "nope")
	require.Error(t, err)
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest))

	_, err = Compress(t.TempDir(), "../x")
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest))
}

func TestExtractNestedArchives(t *testing.T) {
	// inner bundle from another host, shipped inside an outer one
	inner := t.TempDir()
	writeBundle(t, inner, "db-2")
	innerTar, err := Compress(inner, "db-2")
	require.NoError(t, err)

	outer := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outer, "all", "hosts"), 0o755))
	data, err := os.ReadFile(innerTar)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outer, "all", "hosts", "db-2.tar.gz"), data, 0o644))
	outerTar, err := Compress(outer, "all")
	require.NoError(t, err)

	dest := t.TempDir()
	unpacked, err := Extract(outerTar, dest)
	require.NoError(t, err)
	assert.Len(t, unpacked, 2)

	got, err := os.ReadFile(filepath.Join(dest, "all", "hosts", "db-2", "logs", "tidb-100", "tidb.log"))
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(got))
}

func TestExtractDirectoryOfArchives(t *testing.T) {
	src := t.TempDir()
	writeBundle(t, src, "db-3")
	tarball, err := Compress(src, "db-3")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.Rename(tarball, filepath.Join(dir, "db-3.tgz")))

	unpacked, err := Extract(dir, dir)
	require.NoError(t, err)
	assert.Len(t, unpacked, 1)
	assert.FileExists(t, filepath.Join(dir, "db-3", "collector", "proc_stats.json"))

	// extracting again overwrites in place
	again, err := Extract(dir, dir)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func writeRawTarball(t *testing.T, path string, hdrs ...*tar.Header) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, h := range hdrs {
		require.NoError(t, tw.WriteHeader(h))
		if h.Typeflag == tar.TypeReg {
			_, err := tw.Write(make([]byte, h.Size))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractRejectsTraversal(t *testing.T) {
	tests := []struct {
		name string
		hdr  *tar.Header
	}{
		{"parent", &tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"nested parent", &tar.Header{Name: "a/../../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"absolute", &tar.Header{Name: "/tmp/evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"escaping link", &tar.Header{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "../../etc"}},
		{"absolute link", &tar.Header{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "/etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tarball := filepath.Join(t.TempDir(), "bad.tar.gz")
			writeRawTarball(t, tarball, tt.hdr)
			dest := t.TempDir()

			_, err := Extract(tarball, dest)
			require.Error(t, err)
			assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest))
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil"))
		})
	}
}

func TestExtractCorruptInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))
	_, err := Extract(path, t.TempDir())
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeInvalidRequest))
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("a.tar.gz"))
	assert.True(t, IsArchive("a.tgz"))
	assert.True(t, IsArchive("a.tar"))
	assert.False(t, IsArchive("a.data"))
}
