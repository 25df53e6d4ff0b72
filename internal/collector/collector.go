// Package collector defines the Collector contract and one adapter per
// diagnostic source: the system snapshot, runtime profilers and tracers,
// log and config savers, cluster API readers and the metrics dumper.
package collector

import (
	"context"
	"io"
	"log/slog"
	"time"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// Collector gathers one category of diagnostic artifacts.
//
// Constructors must not perform I/O. Collect invokes the underlying tool
// or API, persists zero or more artifacts under the collector's namespace
// and always returns an outcome; failures are reported in it, never
// panicked or returned separately.
type Collector interface {
	// Name returns a unique identifier, e.g. "perf".
	Name() string

	// Category returns the namespace the collector writes into.
	Category() string

	// Requires lists the capabilities checked before Collect runs.
	Requires() []privilege.Capability

	Collect(ctx context.Context) model.CollectionOutcome
}

// Env carries the dependencies shared by every collector of a run.
type Env struct {
	Runner executor.Runner
	NS     *namespace.Manager
	Logger *slog.Logger

	// ProcRoot is the path to the procfs mount (default "/proc").
	ProcRoot string
	// SysRoot is the path to the sysfs mount (default "/sys").
	SysRoot string
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

func (e Env) procRoot() string {
	if e.ProcRoot == "" {
		return "/proc"
	}
	return e.ProcRoot
}

func (e Env) sysRoot() string {
	if e.SysRoot == "" {
		return "/sys"
	}
	return e.SysRoot
}

// DefaultWindow is the collection window of runtime tools when the caller
// gives none.
const DefaultWindow = 60 * time.Second

// tracker accumulates one collector's outcome.
type tracker struct {
	out model.CollectionOutcome
}

func begin(c Collector) *tracker {
	return &tracker{out: model.CollectionOutcome{
		Category:  c.Category(),
		Collector: c.Name(),
		StartedAt: time.Now(),
	}}
}

func (t *tracker) artifact(path string) {
	t.out.ArtifactPaths = append(t.out.ArtifactPaths, path)
}

func (t *tracker) stderr(s string) {
	if s == "" {
		return
	}
	if t.out.Stderr != "" {
		t.out.Stderr += "\n"
	}
	t.out.Stderr += s
}

// fail records err unless an earlier error is already recorded.
func (t *tracker) fail(err error) {
	if err == nil || t.out.Error != "" {
		return
	}
	t.out.Error = err.Error()
	t.out.ErrorCode = string(ierrors.CodeOf(err))
}

// skip marks the collector as having had nothing to do.
func (t *tracker) skip(reason string) model.CollectionOutcome {
	t.out.Skipped = true
	t.out.Error = reason
	return t.done()
}

// done finalizes the outcome. A collector succeeds when it produced at
// least one artifact; partial failures keep their error text.
func (t *tracker) done() model.CollectionOutcome {
	t.out.EndedAt = time.Now()
	t.out.Succeeded = len(t.out.ArtifactPaths) > 0
	if !t.out.Succeeded && !t.out.Skipped && t.out.Error == "" {
		t.out.Error = "no artifacts produced"
		t.out.ErrorCode = string(ierrors.ErrCodeToolInvocationFailed)
	}
	return t.out
}

// toolFailure converts a finished tool run into a TOOL_INVOCATION_FAILED
// error, or nil when the run was clean.
func toolFailure(cmd executor.Command, raw *executor.RawOutput, err error) error {
	if err != nil {
		return ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed,
			"run "+cmd.Tool, err, map[string]any{"command": cmd.String()})
	}
	if raw.Clean() {
		return nil
	}
	ctx := map[string]any{"command": cmd.String(), "exit_code": raw.ExitCode}
	if raw.Stderr != "" {
		ctx["stderr"] = raw.Stderr
	}
	msg := cmd.Tool + " exited non-zero"
	if raw.Interrupted {
		msg = cmd.Tool + " interrupted before completion"
	}
	return ierrors.NewWithContext(ierrors.ErrCodeToolInvocationFailed, msg, ctx)
}
