package collector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// FtraceCollector records one kernel tracepoint through tracefs. The
// event is enabled for the window, then the trace buffer is copied into
// ftracedata/<subsystem>_<event>_<ms>.txt and the event disabled again.
type FtraceCollector struct {
	env        Env
	tracepoint string
	pids       []int
	window     time.Duration
	now        func() time.Time
}

// NewFtraceCollector creates a collector for tracepoint, given as
// "subsystem:event" or "subsystem/event". Non-empty pids restrict the
// event to those processes.
func NewFtraceCollector(env Env, tracepoint string, pids []int, window time.Duration) *FtraceCollector {
	if window <= 0 {
		window = DefaultWindow
	}
	cp := make([]int, len(pids))
	copy(cp, pids)
	return &FtraceCollector{env: env, tracepoint: tracepoint, pids: cp, window: window, now: time.Now}
}

func (c *FtraceCollector) Name() string     { return "ftrace" }
func (c *FtraceCollector) Category() string { return namespace.FtraceData }
func (c *FtraceCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.TraceProcess}
}

func (c *FtraceCollector) Window() time.Duration { return c.window }

func (c *FtraceCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	if c.tracepoint == "" {
		return t.skip("no tracepoint given")
	}
	log := c.env.logger().With("collector", c.Name(), "tracepoint", c.tracepoint)

	subsystem, event, ok := splitTracepoint(c.tracepoint)
	if !ok {
		t.fail(ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("malformed tracepoint %q", c.tracepoint)))
		return t.done()
	}
	root := privilege.TraceFSRoot(c.env.sysRoot())
	if root == "" {
		t.fail(ierrors.New(ierrors.ErrCodeToolInvocationFailed, "tracefs is not mounted"))
		return t.done()
	}
	enable := filepath.Join(root, "events", subsystem, event, "enable")
	if _, err := os.Stat(enable); err != nil {
		t.fail(ierrors.WrapWithContext(ierrors.ErrCodeInvalidRequest, "unknown tracepoint", err,
			map[string]any{"tracepoint": c.tracepoint}))
		return t.done()
	}

	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	// Start from an empty buffer so the artifact only holds this window.
	if err := writeTracefs(filepath.Join(root, "trace"), ""); err != nil {
		t.fail(err)
		return t.done()
	}
	if len(c.pids) > 0 {
		if err := writeTracefs(filepath.Join(root, "set_event_pid"), model.JoinPIDs(c.pids)); err != nil {
			log.Warn("pid filter unsupported, tracing all processes", "error", err)
		}
		defer func() { _ = writeTracefs(filepath.Join(root, "set_event_pid"), "") }()
	}
	if err := writeTracefs(enable, "1"); err != nil {
		t.fail(err)
		return t.done()
	}
	disabled := false
	disable := func() {
		if !disabled {
			disabled = true
			if err := writeTracefs(enable, "0"); err != nil {
				log.Error("failed to disable tracepoint", "error", err)
			}
		}
	}
	defer disable()

	log.Info("tracing", "window", c.window)
	timer := time.NewTimer(c.window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		t.fail(ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "trace window interrupted", ctx.Err()))
		return t.done()
	}
	disable()

	name := fmt.Sprintf("%s_%s_%d.txt", subsystem, event, c.now().UnixMilli())
	path := filepath.Join(dir, name)
	if err := copyTraceBuffer(filepath.Join(root, "trace"), path); err != nil {
		t.fail(err)
		return t.done()
	}
	t.artifact(path)
	return t.done()
}

func splitTracepoint(tp string) (string, string, bool) {
	sep := ":"
	if !strings.Contains(tp, sep) {
		sep = "/"
	}
	subsystem, event, ok := strings.Cut(tp, sep)
	if !ok || subsystem == "" || event == "" || strings.ContainsAny(event, `/\`) || strings.Contains(subsystem, "..") {
		return "", "", false
	}
	return subsystem, event, true
}

// writeTracefs truncates and writes a tracefs control file.
func writeTracefs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "write "+filepath.Base(path), err)
	}
	return nil
}

func copyTraceBuffer(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "open trace buffer", err)
	}
	defer in.Close()

	w, err := namespace.Create(dst)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodePathUnwritable, "create trace output", err)
	}
	defer w.Abort()
	if _, err := io.Copy(w, in); err != nil {
		return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "read trace buffer", err)
	}
	return w.Commit()
}
