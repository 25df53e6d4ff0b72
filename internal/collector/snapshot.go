package collector

import (
	"context"
	"path/filepath"
	"strings"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// SnapshotCollector produces the system snapshot: host facts plus the
// process table every auto-targeted collector filters on. It runs the
// external collector binary when one is available and falls back to the
// built-in gopsutil snapshot otherwise.
type SnapshotCollector struct {
	env    Env
	tool   string
	scoped bool
	pids   []int

	bundle *model.SnapshotBundle
}

// NewSnapshotCollector creates a snapshot collector. When scoped, only the
// given PIDs are inspected and the omission rule applies on write.
func NewSnapshotCollector(env Env, tool string, scoped bool, pids []int) *SnapshotCollector {
	cp := make([]int, len(pids))
	copy(cp, pids)
	return &SnapshotCollector{env: env, tool: tool, scoped: scoped, pids: cp}
}

func (c *SnapshotCollector) Name() string     { return "snapshot" }
func (c *SnapshotCollector) Category() string { return namespace.Collector }
func (c *SnapshotCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadProcFs}
}

// Bundle returns the snapshot taken by the last Collect, or nil.
func (c *SnapshotCollector) Bundle() *model.SnapshotBundle { return c.bundle }

func (c *SnapshotCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.Name())

	var bundle *model.SnapshotBundle
	var err error
	if c.tool != "" && c.env.Runner != nil && c.env.Runner.Available(c.tool) {
		bundle, err = c.external(ctx, t)
	} else {
		log.Debug("external snapshot tool unavailable, using built-in snapshot", "tool", c.tool)
		bundle, err = newHostSnapshot(c.env).take(ctx, c.scoped, c.pids)
	}
	if err != nil {
		t.fail(err)
		return t.done()
	}
	c.bundle = bundle

	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}
	for _, name := range bundle.Persistable(c.scoped) {
		data, err := bundle.Indented(name)
		if err != nil {
			t.fail(ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "malformed snapshot category "+name, err))
			continue
		}
		path := filepath.Join(dir, name+".json")
		if err := namespace.WriteFile(path, data); err != nil {
			t.fail(ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write snapshot", err))
			continue
		}
		t.artifact(path)
	}
	for _, name := range bundle.Categories() {
		if bundle.Empty(name) {
			log.Debug("empty snapshot category", "category", name, "scoped", c.scoped)
		}
	}
	return t.done()
}

func (c *SnapshotCollector) external(ctx context.Context, t *tracker) (*model.SnapshotBundle, error) {
	cmd := executor.Command{Tool: c.tool}
	if c.scoped {
		cmd.Args = []string{"-proc", "-pid", model.JoinPIDs(c.pids)}
	}
	raw, err := c.env.Runner.Run(ctx, cmd)
	if err := toolFailure(cmd, raw, err); err != nil {
		return nil, err
	}
	t.stderr(raw.Stderr)
	bundle, err := model.ParseSnapshotBundle([]byte(raw.Stdout))
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed,
			"malformed snapshot output", err, map[string]any{"stderr": raw.Stderr})
	}
	return bundle, nil
}

// ntpStatus runs the first available NTP client query.
func ntpStatus(ctx context.Context, r executor.Runner) map[string]string {
	if r == nil {
		return map[string]string{}
	}
	queries := []executor.Command{
		{Tool: "chronyc", Args: []string{"tracking"}},
		{Tool: "ntpq", Args: []string{"-p"}},
	}
	for _, q := range queries {
		if !r.Available(q.Tool) {
			continue
		}
		raw, err := r.Run(ctx, q)
		if err != nil || !raw.Clean() {
			continue
		}
		return map[string]string{"source": q.String(), "status": strings.TrimSpace(raw.Stdout)}
	}
	return map[string]string{}
}
