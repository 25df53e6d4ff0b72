// Package namespace owns the on-disk layout of a diagnostic bundle:
// <root>/<alias>/<category>/<artifact files>.
package namespace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
)

// Categories of the persisted layout. AliasRoot places artifacts
// directly under <root>/<alias>.
const (
	AliasRoot  = ""
	Collector  = "collector"
	PerfData   = "perfdata"
	FtraceData = "ftracedata"
	Vmtouch    = "vmtouch"
	Blktrace   = "blktrace"
	Logs       = "logs"
	Configs    = "configs"
	PDCtl      = "pdctl"
	TiDBInfo   = "tidbinfo"
	Prometheus = "metric/prometheus"
)

// DirMode is the permission of every directory the manager creates.
const DirMode = 0o755

// Ensure creates <root>/<alias>/<category> if needed and returns its path.
// It is idempotent and never removes existing contents. An empty category
// resolves to the alias root.
func Ensure(root, alias, category string) (string, error) {
	if alias == "" || strings.ContainsAny(alias, `/\`) || alias == "." || alias == ".." {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid alias %q", alias))
	}
	if filepath.IsAbs(category) || strings.Contains(filepath.ToSlash(category), "..") {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid category %q", category))
	}
	dir := filepath.Join(root, alias, filepath.FromSlash(category))

	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return "", ierrors.WrapWithContext(ierrors.ErrCodePathUnwritable, "namespace path is not a directory",
			fmt.Errorf("%s exists", dir), map[string]any{"path": dir})
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", ierrors.WrapWithContext(ierrors.ErrCodePathUnwritable, "create namespace", err,
			map[string]any{"path": dir})
	}
	return dir, nil
}

// Manager binds a bundle root and alias so collectors only name their
// category. It carries no mutable state and is safe for concurrent use.
type Manager struct {
	root  string
	alias string
}

// New resolves root to an absolute path and defaults alias to the host name.
func New(root, alias string) (*Manager, error) {
	if root == "" {
		root = "data"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodePathUnwritable, "resolve output root", err)
	}
	if alias == "" {
		alias, err = os.Hostname()
		if err != nil || alias == "" {
			alias = "localhost"
		}
	}
	return &Manager{root: abs, alias: alias}, nil
}

func (m *Manager) Root() string  { return m.root }
func (m *Manager) Alias() string { return m.alias }

// AliasDir is <root>/<alias>; it is not created.
func (m *Manager) AliasDir() string {
	return filepath.Join(m.root, m.alias)
}

// Ensure creates and returns the directory of category.
func (m *Manager) Ensure(category string) (string, error) {
	return Ensure(m.root, m.alias, category)
}

// Rel returns path relative to the bundle root, for manifests.
func (m *Manager) Rel(path string) string {
	if rel, err := filepath.Rel(m.root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// WriteFile writes data to path atomically: readers see either the old
// file, no file, or the complete new content.
func WriteFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst atomically.
func CopyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := Create(dst)
	if err != nil {
		return err
	}
	defer w.Abort()
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return w.Commit()
}

// Writer streams into a hidden temporary file next to its final path.
// Commit makes the file visible; Abort (safe after Commit) discards it.
type Writer struct {
	pf        *renameio.PendingFile
	path      string
	committed bool
}

// Create opens a Writer for path.
func Create(path string) (*Writer, error) {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &Writer{pf: pf, path: path}, nil
}

func (w *Writer) Write(p []byte) (int, error) { return w.pf.Write(p) }

// Path is the final path of the file.
func (w *Writer) Path() string { return w.path }

func (w *Writer) Commit() error {
	if err := w.pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit %s: %w", w.path, err)
	}
	w.committed = true
	return nil
}

func (w *Writer) Abort() {
	if !w.committed {
		_ = w.pf.Cleanup()
	}
}
