package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// ConfigOptions selects the configuration to save.
type ConfigOptions struct {
	// Files are copied as configs/<base name>.
	Files []string
	// View, when set, adds each process's --config file, copied as
	// configs/<name>-<pid>/<base name>.
	View *model.SnapshotView
	// Systemd dumps the unit properties of services matching the process
	// names in View (or Units) as configs/systemd-<unit>.json.
	Systemd bool
	Units   []string
}

// UnitSource is the subset of the systemd D-Bus API the collector uses.
type UnitSource interface {
	ListUnitsByPatternsContext(ctx context.Context, states []string, patterns []string) ([]dbus.UnitStatus, error)
	GetAllPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

// DialSystemd opens a connection to the systemd manager.
func DialSystemd(ctx context.Context) (UnitSource, error) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Unit properties dropped from dumps as noise or sensitive.
var filterOutUnitKeys = []string{
	"BPFProgram",
	"Environment",
	"EnvironmentFiles",
	"SetCredential",
	"LoadCredential",
	"ImportCredential",
}

// ConfigFileCollector copies configuration files into the bundle.
type ConfigFileCollector struct {
	env  Env
	opts ConfigOptions
	dial func(ctx context.Context) (UnitSource, error)
}

func NewConfigFileCollector(env Env, opts ConfigOptions) *ConfigFileCollector {
	return &ConfigFileCollector{env: env, opts: opts, dial: DialSystemd}
}

// WithUnitSource replaces the systemd connection, for tests.
func (c *ConfigFileCollector) WithUnitSource(dial func(ctx context.Context) (UnitSource, error)) *ConfigFileCollector {
	c.dial = dial
	return c
}

func (c *ConfigFileCollector) Name() string     { return "configs" }
func (c *ConfigFileCollector) Category() string { return namespace.Configs }
func (c *ConfigFileCollector) Requires() []privilege.Capability {
	return []privilege.Capability{privilege.ReadProcFs}
}

func (c *ConfigFileCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.Name())

	jobs := c.plan()
	if len(jobs) == 0 && !c.opts.Systemd {
		return t.skip("no config files found")
	}
	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}

	for _, j := range jobs {
		path, err := copyInto(dir, j)
		if err != nil {
			log.Warn("failed to copy config file", "path", j.src, "error", err)
			t.fail(err)
			continue
		}
		t.artifact(path)
	}

	if c.opts.Systemd {
		if err := c.dumpUnits(ctx, dir, t); err != nil {
			// Hosts without systemd still keep their copied files.
			log.Warn("systemd unit dump failed", "error", err)
			t.fail(err)
		}
	}
	return t.done()
}

func (c *ConfigFileCollector) plan() []copyJob {
	var jobs []copyJob
	for _, f := range c.opts.Files {
		jobs = append(jobs, copyJob{src: f, dst: filepath.Base(f)})
	}
	names := c.opts.View.ProcInfo("name")
	for _, p := range c.opts.View.Processes() {
		conf := ParseCmdline(p.Cmd)["config"]
		if conf == "" {
			continue
		}
		prefix := fmt.Sprintf("%s-%d", sanitizeName(names[p.PID]), p.PID)
		jobs = append(jobs, copyJob{src: conf, dst: filepath.Join(prefix, filepath.Base(conf))})
	}
	return jobs
}

// unitPatterns derives service globs from explicit units or process names.
func (c *ConfigFileCollector) unitPatterns() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, u := range c.opts.Units {
		add(u)
	}
	for _, name := range c.opts.View.ProcInfo("name") {
		add(strings.TrimSuffix(name, "-server") + "*.service")
	}
	sort.Strings(out)
	return out
}

func (c *ConfigFileCollector) dumpUnits(ctx context.Context, dir string, t *tracker) error {
	patterns := c.unitPatterns()
	if len(patterns) == 0 {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "connect to systemd", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, patterns)
	if err != nil {
		return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "list systemd units", err)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Name < units[j].Name })

	var firstErr error
	for _, u := range units {
		props, err := conn.GetAllPropertiesContext(ctx, u.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed,
					"get unit properties", err, map[string]any{"unit": u.Name})
			}
			continue
		}
		for _, k := range filterOutUnitKeys {
			delete(props, k)
		}
		data, err := json.MarshalIndent(props, "", "  ")
		if err != nil {
			continue
		}
		path := filepath.Join(dir, "systemd-"+sanitizeName(u.Name)+".json")
		if err := namespace.WriteFile(path, data); err != nil {
			return ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write unit properties", err)
		}
		t.artifact(path)
	}
	return firstErr
}
