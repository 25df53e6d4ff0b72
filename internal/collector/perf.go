package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// DefaultPerfFreq is the default sampling frequency in Hz.
const DefaultPerfFreq = 99

// PerfTarget is one process to profile. Name is optional and only
// decorates the artifact file name.
type PerfTarget struct {
	PID  int
	Name string
}

// PerfOptions tunes the profiler.
type PerfOptions struct {
	Freq   int
	Window time.Duration
	// Script additionally exports each profile as text with perf script.
	Script bool
}

// PerfCollector samples call stacks with perf record, one perf process
// per target PID. With no targets it profiles the whole system.
type PerfCollector struct {
	env     Env
	targets []PerfTarget
	opts    PerfOptions
}

func NewPerfCollector(env Env, targets []PerfTarget, opts PerfOptions) *PerfCollector {
	if opts.Freq <= 0 {
		opts.Freq = DefaultPerfFreq
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	cp := make([]PerfTarget, len(targets))
	copy(cp, targets)
	return &PerfCollector{env: env, targets: cp, opts: opts}
}

// PerfTargets pairs pids with the process names found in view.
func PerfTargets(pids []int, view *model.SnapshotView) []PerfTarget {
	names := view.ProcInfo("name")
	out := make([]PerfTarget, 0, len(pids))
	for _, pid := range pids {
		out = append(out, PerfTarget{PID: pid, Name: names[pid]})
	}
	return out
}

func (c *PerfCollector) Name() string     { return "perf" }
func (c *PerfCollector) Category() string { return namespace.PerfData }
func (c *PerfCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.TraceProcess}
}

// Window is the sampling duration of each perf process.
func (c *PerfCollector) Window() time.Duration { return c.opts.Window }

func (c *PerfCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	targets := c.targets
	if len(targets) == 0 {
		targets = []PerfTarget{{}}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			paths, stderr, err := c.record(gctx, dir, target)
			mu.Lock()
			defer mu.Unlock()
			t.stderr(stderr)
			t.fail(err)
			for _, p := range paths {
				t.artifact(p)
			}
			// One failed PID must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	return t.done()
}

func (c *PerfCollector) record(ctx context.Context, dir string, target PerfTarget) ([]string, string, error) {
	log := c.env.logger().With("collector", c.Name(), "pid", target.PID)

	final := filepath.Join(dir, perfFileName(target)+".data")
	staged, err := namespace.StageFile(final)
	if err != nil {
		return nil, "", ierrors.Wrap(ierrors.ErrCodePathUnwritable, "stage perf output", err)
	}
	defer staged.Abort()

	args := []string{"record", "-F", strconv.Itoa(c.opts.Freq), "-g"}
	if target.PID > 0 {
		args = append(args, "-p", strconv.Itoa(target.PID))
	} else {
		args = append(args, "-a")
	}
	secs := strconv.Itoa(int(c.opts.Window.Round(time.Second) / time.Second))
	args = append(args, "-o", staged.Temp, "--", "sleep", secs)

	cmd := executor.Command{Tool: "perf", Args: args}
	log.Info("sampling", "window", c.opts.Window, "freq", c.opts.Freq)
	raw, err := c.env.Runner.Run(ctx, cmd)
	if err := toolFailure(cmd, raw, err); err != nil {
		stderr := ""
		if raw != nil {
			stderr = raw.Stderr
		}
		return nil, stderr, err
	}
	if err := staged.Commit(); err != nil {
		return nil, raw.Stderr, ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "perf produced no data", err)
	}
	paths := []string{final}

	if c.opts.Script {
		text := filepath.Join(dir, perfFileName(target)+".txt")
		if err := c.script(ctx, final, text); err != nil {
			log.Warn("perf script export failed", "error", err)
			return paths, raw.Stderr, err
		}
		paths = append(paths, text)
	}
	return paths, raw.Stderr, nil
}

func (c *PerfCollector) script(ctx context.Context, input, output string) error {
	w, err := namespace.Create(output)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodePathUnwritable, "create perf script output", err)
	}
	defer w.Abort()

	cmd := executor.Command{Tool: "perf", Args: []string{"script", "-i", input}, Stdout: w}
	raw, err := c.env.Runner.Run(ctx, cmd)
	if err := toolFailure(cmd, raw, err); err != nil {
		return err
	}
	return w.Commit()
}

// perfFileName is "<pid>" or "<pid>_<name>"; whole-system runs use "perf".
func perfFileName(t PerfTarget) string {
	if t.PID <= 0 {
		return "perf"
	}
	if t.Name == "" {
		return strconv.Itoa(t.PID)
	}
	return fmt.Sprintf("%d_%s", t.PID, sanitizeName(t.Name))
}
