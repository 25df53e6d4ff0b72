// Package archive packs an output namespace into a gzip compressed tarball
// and unpacks bundles, including tarballs nested inside them.
package archive

import (
	"archive/tar"
	"compress/gzip"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
)

// Ext is the suffix of archives written by Compress.
const Ext = ".tar.gz"

// MaxNesting bounds how many rounds of nested archives Extract unpacks.
const MaxNesting = 8

// Compress packs <outdir>/<alias> into <outdir>/<alias>.tar.gz. Entries are
// stored as <alias>/... so extracting anywhere recreates the alias
// directory. The tarball is written atomically.
func Compress(outdir, alias string) (string, error) {
	if alias == "" || strings.ContainsRune(alias, '/') || alias == "." || alias == ".." {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid alias %q", alias))
	}
	src := filepath.Join(outdir, alias)
	info, err := os.Stat(src)
	if err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "nothing to archive", err)
	}
	if !info.IsDir() {
		return "", ierrors.New(ierrors.ErrCodeInvalidRequest, src+" is not a directory")
	}

	dst := filepath.Join(outdir, alias+Ext)
	w, err := namespace.Create(dst)
	if err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodePathUnwritable, "creating archive", err)
	}
	defer w.Abort()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	if err := addTree(tw, outdir, alias); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := w.Commit(); err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodePathUnwritable, "writing archive", err)
	}
	return dst, nil
}

func addTree(tw *tar.Writer, base, alias string) error {
	return filepath.WalkDir(filepath.Join(base, alias), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			// sockets, fifos and devices have no place in a bundle
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header %s: %w", hdr.Name, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing %s: %w", hdr.Name, err)
		}
		return nil
	})
}

// Extract unpacks input into dest. Input may be a tarball or a directory
// already holding tarballs. Archives found among the extracted files are
// unpacked next to themselves, round after round, until none are left or
// MaxNesting is reached. It returns every archive it unpacked.
func Extract(input, dest string) ([]string, error) {
	if err := os.MkdirAll(dest, namespace.DirMode); err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodePathUnwritable, "creating "+dest, err)
	}
	info, err := os.Stat(input)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "reading input", err)
	}

	done := make(map[string]bool)
	var unpacked []string
	if !info.IsDir() {
		if err := extractFile(input, dest); err != nil {
			return nil, err
		}
		abs, _ := filepath.Abs(input)
		done[abs] = true
		unpacked = append(unpacked, input)
	}

	scan := dest
	if info.IsDir() {
		scan = input
	}
	for round := 0; round < MaxNesting; round++ {
		pending, err := findArchives(scan, done)
		if err != nil {
			return unpacked, err
		}
		if len(pending) == 0 {
			break
		}
		for _, p := range pending {
			done[p] = true
			if err := extractFile(p, filepath.Dir(p)); err != nil {
				return unpacked, err
			}
			unpacked = append(unpacked, p)
		}
	}
	return unpacked, nil
}

// IsArchive reports whether name carries a tarball suffix.
func IsArchive(name string) bool {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func findArchives(root string, done map[string]bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !IsArchive(d.Name()) {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if !done[abs] {
			out = append(out, abs)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func extractFile(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "opening archive", err)
	}
	defer f.Close()

	var r io.Reader = f
	if !strings.HasSuffix(path, ".tar") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "opening gzip stream of "+path, err)
		}
		defer gz.Close()
		r = gz
	}
	if err := untar(tar.NewReader(r), dest); err != nil {
		return ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "extracting archive", err,
			map[string]any{"archive": path})
	}
	return nil
}

func untar(tr *tar.Reader, dest string) error {
	type dirTime struct {
		path string
		hdr  *tar.Header
	}
	var dirs []dirTime

	for {
		hdr, err := tr.Next()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		rel, err := cleanArchivePath(hdr.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, namespace.DirMode); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{path: target, hdr: hdr})
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // older writers emit TypeRegA
			if err := writeEntry(tr, target, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := linkEntry(dest, target, hdr.Linkname); err != nil {
				return err
			}
		default:
			// hard links, devices and fifos are never produced by Compress
			continue
		}
	}

	// directory times last: creating children updates them
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		_ = os.Chmod(d.path, fs.FileMode(d.hdr.Mode).Perm())
		_ = os.Chtimes(d.path, d.hdr.ModTime, d.hdr.ModTime)
	}
	return nil
}

func writeEntry(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), namespace.DirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(target, fs.FileMode(hdr.Mode).Perm()); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func linkEntry(dest, target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("absolute symlink %s -> %s is not allowed", target, link)
	}
	resolved := filepath.Join(filepath.Dir(target), link)
	if !within(dest, resolved) {
		return fmt.Errorf("symlink %s escapes the destination", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), namespace.DirMode); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(link, target)
}

func cleanArchivePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute archive path is not allowed: %s", p)
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(p, "./")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive path escapes the destination: %s", p)
	}
	return clean, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
