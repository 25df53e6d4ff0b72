package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// VmtouchCollector records page cache residency of a file or directory.
type VmtouchCollector struct {
	env    Env
	target string
	now    func() time.Time
}

func NewVmtouchCollector(env Env, target string) *VmtouchCollector {
	return &VmtouchCollector{env: env, target: target, now: time.Now}
}

func (c *VmtouchCollector) Name() string     { return "vmtouch" }
func (c *VmtouchCollector) Category() string { return namespace.Vmtouch }
func (c *VmtouchCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadProcFs}
}

func (c *VmtouchCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	if c.target == "" {
		return t.skip("no vmtouch target given")
	}
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	cmd := executor.Command{Tool: "vmtouch", Args: []string{"-v", c.target}}
	raw, err := c.env.Runner.Run(ctx, cmd)
	if err := toolFailure(cmd, raw, err); err != nil {
		if raw != nil {
			t.stderr(raw.Stderr)
		}
		t.fail(err)
		return t.done()
	}
	t.stderr(raw.Stderr)

	name := fmt.Sprintf("%s_%d.txt", sanitizeName(c.target), c.now().UnixMilli())
	path := filepath.Join(dir, name)
	if err := namespace.WriteFile(path, []byte(raw.Stdout)); err != nil {
		t.fail(ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write vmtouch output", err))
		return t.done()
	}
	t.artifact(path)
	return t.done()
}
