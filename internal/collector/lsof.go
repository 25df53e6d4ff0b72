package collector

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// LsofCollector lists the files each snapshot process holds open, as
// lsof-<pid> (and lsof-<pid>.err) under the alias root.
type LsofCollector struct {
	env  Env
	view *model.SnapshotView
}

func NewLsofCollector(env Env, view *model.SnapshotView) *LsofCollector {
	return &LsofCollector{env: env, view: view}
}

func (c *LsofCollector) Name() string     { return "lsof" }
func (c *LsofCollector) Category() string { return namespace.AliasRoot }
func (c *LsofCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadProcFs}
}

func (c *LsofCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	procs := c.view.Processes()
	if len(procs) == 0 {
		return t.skip("no processes in snapshot")
	}
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	for _, p := range procs {
		cmd := executor.Command{Tool: "lsof", Args: []string{"-p", strconv.Itoa(p.PID)}}
		raw, err := c.env.Runner.Run(ctx, cmd)
		// lsof exits 1 with partial output when some files are unreadable;
		// both streams are kept as-is.
		if err != nil || raw.Interrupted {
			t.fail(toolFailure(cmd, raw, err))
			continue
		}
		paths, err := writeOutputPair(dir, fmt.Sprintf("lsof-%d", p.PID), raw)
		t.fail(err)
		for _, path := range paths {
			t.artifact(path)
		}
	}
	return t.done()
}
