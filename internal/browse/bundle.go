package browse

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

const (
	DefaultReadBytes = 64 << 10
	MaxReadBytes     = 1 << 20
)

// Bundle is a read-only view of an output root: one directory per host
// alias, each holding category directories and a manifest.
type Bundle struct {
	root string
}

// OpenBundle resolves root; it must be an existing directory.
func OpenBundle(root string) (*Bundle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "resolve bundle root", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "open bundle", err,
			map[string]any{"root": root})
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, ierrors.NewWithContext(ierrors.ErrCodeInvalidRequest, "bundle root is not a directory",
			map[string]any{"root": root})
	}
	return &Bundle{root: abs}, nil
}

func (b *Bundle) Root() string { return b.root }

// Host summarizes one alias directory.
type Host struct {
	Alias      string          `json:"alias"`
	Runs       int             `json:"runs"`
	LastStatus model.RunStatus `json:"last_status,omitempty"`
	LastOp     string          `json:"last_operation,omitempty"`
	LastTarget string          `json:"last_target,omitempty"`
}

// Hosts lists alias directories in name order.
func (b *Bundle) Hosts() ([]Host, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "read bundle root", err)
	}
	hosts := []Host{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		h := Host{Alias: e.Name()}
		if m, err := b.Manifest(e.Name()); err == nil {
			h.Runs = len(m.Runs)
			if last := m.Latest(); last != nil {
				h.LastStatus = last.Status
				h.LastOp = last.Operation
				h.LastTarget = last.Target
			}
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// Category is a directory of artifacts within a host.
type Category struct {
	Name  string `json:"name"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Categories groups a host's files by the directory they sit in; files at
// the alias root are reported under ".".
func (b *Bundle) Categories(host string) ([]Category, error) {
	dir, err := b.hostDir(host)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Category)
	err = walkFiles(dir, func(rel string, info fs.FileInfo) {
		name := filepath.ToSlash(filepath.Dir(rel))
		if rel == model.ManifestFile {
			return
		}
		c, ok := byName[name]
		if !ok {
			c = &Category{Name: name}
			byName[name] = c
		}
		c.Files++
		c.Bytes += info.Size()
	})
	if err != nil {
		return nil, err
	}
	out := make([]Category, 0, len(byName))
	for _, c := range byName {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Artifact is one file, addressed relative to the bundle root.
type Artifact struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Artifacts lists a host's files, optionally under one category.
func (b *Bundle) Artifacts(host, category string) ([]Artifact, error) {
	dir, err := b.hostDir(host)
	if err != nil {
		return nil, err
	}
	if category != "" {
		if dir, err = b.confine(filepath.Join(host, category)); err != nil {
			return nil, err
		}
	}
	base, _ := filepath.Rel(b.root, dir)
	out := []Artifact{}
	err = walkFiles(dir, func(rel string, info fs.FileInfo) {
		out = append(out, Artifact{Path: filepath.ToSlash(filepath.Join(base, rel)), Bytes: info.Size()})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Chunk is a window of an artifact's content.
type Chunk struct {
	Path      string `json:"path"`
	Offset    int64  `json:"offset"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
	Content   string `json:"content"`
}

// Read returns up to max bytes of the artifact at rel starting at offset.
// Paths resolving outside the bundle are rejected.
func (b *Bundle) Read(rel string, offset int64, max int) (*Chunk, error) {
	if max <= 0 {
		max = DefaultReadBytes
	}
	if max > MaxReadBytes {
		max = MaxReadBytes
	}
	if offset < 0 {
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, "offset must not be negative")
	}
	path, err := b.confine(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "open artifact", err,
			map[string]any{"path": rel})
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "stat artifact", err)
	}
	if !info.Mode().IsRegular() {
		return nil, ierrors.NewWithContext(ierrors.ErrCodeInvalidRequest, "not a regular file",
			map[string]any{"path": rel})
	}

	buf := make([]byte, max)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "read artifact", err)
	}
	return &Chunk{
		Path:      filepath.ToSlash(rel),
		Offset:    offset,
		Size:      info.Size(),
		Truncated: offset+int64(n) < info.Size(),
		Content:   string(buf[:n]),
	}, nil
}

// Manifest parses the host's manifest.yaml.
func (b *Bundle) Manifest(host string) (*model.Manifest, error) {
	dir, err := b.hostDir(host)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, model.ManifestFile))
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "read manifest", err,
			map[string]any{"host": host})
	}
	m, err := model.ParseManifest(data)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "parse manifest", err)
	}
	return m, nil
}

func (b *Bundle) hostDir(host string) (string, error) {
	if host == "" || strings.ContainsAny(host, `/\`) || host == "." || host == ".." {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid host %q", host))
	}
	dir, err := b.confine(host)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown host %q", host))
	}
	return dir, nil
}

// confine resolves rel under the root, following symlinks, and rejects
// anything that ends up outside it.
func (b *Bundle) confine(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("path %q must be relative to the bundle", rel))
	}
	joined := filepath.Join(b.root, filepath.FromSlash(rel))
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "resolve path", err,
			map[string]any{"path": rel})
	}
	if resolved != b.root && !strings.HasPrefix(resolved, b.root+string(filepath.Separator)) {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("path %q escapes the bundle", rel))
	}
	return resolved, nil
}

// walkFiles calls fn for every regular file under dir with its path
// relative to dir.
func walkFiles(dir string, fn func(rel string, info fs.FileInfo)) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		fn(rel, info)
		return nil
	})
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "walk bundle", err)
	}
	return nil
}
