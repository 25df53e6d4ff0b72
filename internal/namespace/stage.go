package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Staged is a temporary path handed to an external tool that writes its
// own output (perf -o, blktrace -D). Nothing appears at Final until
// Commit; an aborted or killed run leaves no artifact behind.
type Staged struct {
	Temp  string
	Final string
	dir   bool
	done  bool
}

// StageFile reserves a hidden temporary file next to final.
func StageFile(final string) (*Staged, error) {
	f, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", final, err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	// Tools such as perf refuse to overwrite; hand them a free path.
	if err := os.Remove(tmp); err != nil {
		return nil, err
	}
	return &Staged{Temp: tmp, Final: final}, nil
}

// StageDir reserves a hidden temporary directory next to final.
func StageDir(final string) (*Staged, error) {
	tmp, err := os.MkdirTemp(filepath.Dir(final), "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", final, err)
	}
	return &Staged{Temp: tmp, Final: final, dir: true}, nil
}

// Commit renames the staged output into place. A missing staged file
// means the tool produced nothing and is reported as an error.
func (s *Staged) Commit() error {
	if s.done {
		return nil
	}
	if _, err := os.Stat(s.Temp); err != nil {
		return fmt.Errorf("no output at %s: %w", s.Temp, err)
	}
	if s.dir {
		if err := os.RemoveAll(s.Final); err != nil {
			return err
		}
	}
	if err := os.Rename(s.Temp, s.Final); err != nil {
		return fmt.Errorf("commit %s: %w", s.Final, err)
	}
	s.done = true
	return nil
}

// CommitContents moves every regular file of a staged directory into
// Final, creating it if needed, and returns the new paths sorted. Each
// move is a rename, so Final never holds a partial file; same-named files
// already there are replaced.
func (s *Staged) CommitContents() ([]string, error) {
	if !s.dir {
		return nil, fmt.Errorf("commit contents of %s: not a directory stage", s.Temp)
	}
	if s.done {
		return nil, nil
	}
	entries, err := os.ReadDir(s.Temp)
	if err != nil {
		return nil, fmt.Errorf("no output at %s: %w", s.Temp, err)
	}
	if err := os.MkdirAll(s.Final, DirMode); err != nil {
		return nil, fmt.Errorf("commit %s: %w", s.Final, err)
	}
	var moved []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		dst := filepath.Join(s.Final, e.Name())
		if err := os.Rename(filepath.Join(s.Temp, e.Name()), dst); err != nil {
			return moved, fmt.Errorf("commit %s: %w", dst, err)
		}
		moved = append(moved, dst)
	}
	s.done = true
	_ = os.RemoveAll(s.Temp)
	sort.Strings(moved)
	return moved, nil
}

// Abort removes the staged output. It is a no-op after Commit.
func (s *Staged) Abort() {
	if s.done {
		return
	}
	s.done = true
	_ = os.RemoveAll(s.Temp)
}
