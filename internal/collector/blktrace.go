package collector

import (
	"context"
	"time"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// BlktraceCollector traces block I/O on one device for a fixed window.
// blktrace writes per-CPU <device>.blktrace.<cpu> files into a staging
// directory; they are moved into blktrace/ only after the tool stopped
// cleanly.
type BlktraceCollector struct {
	env    Env
	device string
	window time.Duration
}

func NewBlktraceCollector(env Env, device string, window time.Duration) *BlktraceCollector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &BlktraceCollector{env: env, device: device, window: window}
}

func (c *BlktraceCollector) Name() string     { return "blktrace" }
func (c *BlktraceCollector) Category() string { return namespace.Blktrace }
func (c *BlktraceCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadBlockDevice}
}

func (c *BlktraceCollector) Window() time.Duration { return c.window }

func (c *BlktraceCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	if c.device == "" {
		return t.skip("no block device given")
	}
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	staged, err := namespace.StageDir(dir)
	if err != nil {
		t.fail(ierrors.Wrap(ierrors.ErrCodePathUnwritable, "stage blktrace output", err))
		return t.done()
	}
	defer staged.Abort()

	cmd := executor.Command{
		Tool:   "blktrace",
		Args:   []string{"-d", c.device, "-D", staged.Temp},
		Window: c.window,
	}
	raw, err := c.env.Runner.Run(ctx, cmd)
	if err := toolFailure(cmd, raw, err); err != nil {
		if raw != nil {
			t.stderr(raw.Stderr)
		}
		t.fail(err)
		return t.done()
	}
	t.stderr(raw.Stderr)

	files, err := staged.CommitContents()
	for _, f := range files {
		t.artifact(f)
	}
	if err != nil {
		t.fail(ierrors.Wrap(ierrors.ErrCodePathUnwritable, "commit blktrace output", err))
	}
	return t.done()
}
