package collector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// LogOptions selects the log files to save.
type LogOptions struct {
	// Dirs are copied recursively into logs/<dir with / replaced by _>.
	Dirs []string
	// View, when set, adds each process's --log-file and its rotated
	// siblings plus every file under its --log-dir, copied into
	// logs/<name>-<pid>/.
	View *model.SnapshotView
	// Since keeps only files modified within this duration. Zero keeps all.
	Since time.Duration
}

// LogFileCollector copies log files into the bundle.
type LogFileCollector struct {
	env  Env
	opts LogOptions
	now  func() time.Time
}

func NewLogFileCollector(env Env, opts LogOptions) *LogFileCollector {
	return &LogFileCollector{env: env, opts: opts, now: time.Now}
}

func (c *LogFileCollector) Name() string     { return "logs" }
func (c *LogFileCollector) Category() string { return namespace.Logs }
func (c *LogFileCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadRestrictedLogs}
}

// copyJob is one file to save.
type copyJob struct {
	src string
	dst string // relative to the category directory
}

func (c *LogFileCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.Name())

	jobs := c.plan(t)
	if len(jobs) == 0 {
		if t.out.Error != "" {
			return t.done()
		}
		return t.skip("no log files found")
	}
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	var cutoff time.Time
	if c.opts.Since > 0 {
		cutoff = c.now().Add(-c.opts.Since)
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			t.fail(ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "log copy interrupted", ctx.Err()))
			break
		}
		info, err := os.Stat(j.src)
		if err != nil {
			t.fail(err)
			continue
		}
		if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
			log.Debug("skipping old log file", "path", j.src, "mtime", info.ModTime())
			continue
		}
		path, err := copyInto(dir, j)
		if err != nil {
			log.Warn("failed to copy log file", "path", j.src, "error", err)
			t.fail(err)
			continue
		}
		t.artifact(path)
	}
	return t.done()
}

func (c *LogFileCollector) plan(t *tracker) []copyJob {
	var jobs []copyJob
	for _, d := range c.opts.Dirs {
		found, err := walkFiles(d, sanitizeName(strings.Trim(filepath.Clean(d), "/")))
		if err != nil {
			t.fail(err)
		}
		jobs = append(jobs, found...)
	}
	names := c.opts.View.ProcInfo("name")
	for _, p := range c.opts.View.Processes() {
		flags := ParseCmdline(p.Cmd)
		prefix := fmt.Sprintf("%s-%d", sanitizeName(names[p.PID]), p.PID)
		if logFile := flags["log-file"]; logFile != "" {
			for _, src := range rotatedFiles(logFile) {
				jobs = append(jobs, copyJob{src: src, dst: filepath.Join(prefix, filepath.Base(src))})
			}
		}
		if logDir := flags["log-dir"]; logDir != "" {
			found, err := walkFiles(logDir, prefix)
			if err != nil {
				t.fail(err)
			}
			jobs = append(jobs, found...)
		}
	}
	return dedupJobs(jobs)
}

// dedupJobs drops repeated destinations, which happen when --log-file
// lives inside --log-dir.
func dedupJobs(jobs []copyJob) []copyJob {
	seen := make(map[string]bool, len(jobs))
	out := jobs[:0]
	for _, j := range jobs {
		if seen[j.dst] {
			continue
		}
		seen[j.dst] = true
		out = append(out, j)
	}
	return out
}

// rotatedFiles returns path plus the siblings sharing its base name as a
// prefix (tidb.log.2024-01-01, tidb.log.1.gz, ...), sorted.
func rotatedFiles(path string) []string {
	dir, base := filepath.Dir(path), filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{path}
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), base) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	if len(out) == 0 {
		return []string{path}
	}
	sort.Strings(out)
	return out
}

// walkFiles lists regular files under root, mapped to prefix/<relative>.
func walkFiles(root, prefix string) ([]copyJob, error) {
	var jobs []copyJob
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, copyJob{src: path, dst: filepath.Join(prefix, rel)})
		return nil
	})
	if err != nil {
		return jobs, ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "list files", err,
			map[string]any{"dir": root})
	}
	return jobs, nil
}

// copyInto copies j.src to dir/j.dst atomically, creating parents.
func copyInto(dir string, j copyJob) (string, error) {
	dst := filepath.Join(dir, j.dst)
	if err := os.MkdirAll(filepath.Dir(dst), namespace.DirMode); err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodePathUnwritable, "create directory", err)
	}
	if err := namespace.CopyFile(dst, j.src); err != nil {
		return "", ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "copy file", err,
			map[string]any{"src": j.src})
	}
	return dst, nil
}
