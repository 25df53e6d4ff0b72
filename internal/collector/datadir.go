package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// DataDirSizeCollector records disk usage of each snapshot process's
// --data-dir as size-<pid> (and size-<pid>.err) under the alias root.
type DataDirSizeCollector struct {
	env  Env
	view *model.SnapshotView
}

func NewDataDirSizeCollector(env Env, view *model.SnapshotView) *DataDirSizeCollector {
	return &DataDirSizeCollector{env: env, view: view}
}

func (c *DataDirSizeCollector) Name() string     { return "datadir_size" }
func (c *DataDirSizeCollector) Category() string { return namespace.AliasRoot }
func (c *DataDirSizeCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadProcFs}
}

func (c *DataDirSizeCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.Name())

	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	found := false
	for _, p := range c.view.Processes() {
		dataDir, ok := ParseCmdline(p.Cmd)["data-dir"]
		if !ok || dataDir == "" {
			log.Debug("data-dir not set in command line", "pid", p.PID)
			continue
		}
		found = true

		cmd, err := duCommand(dataDir)
		if err != nil {
			t.fail(ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "read data-dir", err,
				map[string]any{"pid": p.PID, "data_dir": dataDir}))
			continue
		}
		raw, err := c.env.Runner.Run(ctx, cmd)
		if err != nil || raw.Interrupted {
			t.fail(toolFailure(cmd, raw, err))
			continue
		}
		paths, err := writeOutputPair(dir, fmt.Sprintf("size-%d", p.PID), raw)
		t.fail(err)
		for _, path := range paths {
			t.artifact(path)
		}
	}
	if !found {
		return t.skip("no process with a data-dir")
	}
	return t.done()
}

// duCommand sizes each child of a non-empty directory, or the directory
// itself when it is empty.
func duCommand(dataDir string) (executor.Command, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return executor.Command{}, err
	}
	if len(entries) == 0 {
		return executor.Command{Tool: "du", Args: []string{"-s", "-h", dataDir}}, nil
	}
	args := []string{"-s", "-h"}
	var children []string
	for _, e := range entries {
		children = append(children, filepath.Join(dataDir, e.Name()))
	}
	sort.Strings(children)
	return executor.Command{Tool: "du", Args: append(args, children...)}, nil
}

// writeOutputPair writes stdout to name and stderr to name.err, skipping
// whichever is empty.
func writeOutputPair(dir, name string, raw *executor.RawOutput) ([]string, error) {
	var paths []string
	for _, f := range []struct {
		path string
		data string
	}{
		{filepath.Join(dir, name), raw.Stdout},
		{filepath.Join(dir, name+".err"), raw.Stderr},
	} {
		if f.data == "" {
			continue
		}
		if err := namespace.WriteFile(f.path, []byte(f.data)); err != nil {
			return paths, ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write "+filepath.Base(f.path), err)
		}
		paths = append(paths, f.path)
	}
	return paths, nil
}
