// insight collects node-level diagnostics for a TiDB deployment.
//
// Each invocation resolves a target (pids, a listening port, auto-detected
// cluster processes or the whole system), checks the privileges its
// collectors need, runs them concurrently and writes every artifact under
// <output>/<alias>/ together with a manifest of the run.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dmitriimaksimovdevelop/insight/internal/config"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/locator"
	"github.com/dmitriimaksimovdevelop/insight/internal/logging"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/orchestrator"
	"github.com/dmitriimaksimovdevelop/insight/internal/output"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

var (
	version = "0.1.0"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the root command's
// persistent flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer

	configFile string
	report     string
	quiet      bool
	verbose    bool

	// newOrchestrator is replaced in tests.
	newOrchestrator func(a *app) (*orchestrator.Orchestrator, error)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr, newOrchestrator: liveOrchestrator}

	rootCmd := &cobra.Command{
		Use:   "insight",
		Short: "Collect node-level diagnostics for TiDB clusters",
		Long: `insight gathers a diagnostic bundle from one node of a TiDB deployment.

It snapshots the system and its processes, profiles and traces running
servers (perf, ftrace, vmtouch, blktrace), saves logs and configuration
files, reads the PD and TiDB HTTP APIs and dumps Prometheus metrics. Every
run writes to <output>/<alias>/ and appends to the manifest there.

Most collectors need root. Without it, restricted collectors are skipped or
reported as failed and the rest still run.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Config file (default ~/.config/insight/config.yaml)")
	pf.StringP("output", "o", "data", "Output root directory")
	pf.String("alias", "", "Directory name for this host under the output root (default: short hostname)")
	pf.String("log-format", "auto", "Log format: auto, text, json")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&a.report, "report", "", "Write the run report as JSON to FILE (- for stdout)")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "Suppress progress output")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	bind(a.v, pf, map[string]string{
		"output":     "output",
		"alias":      "alias",
		"log.format": "log-format",
		"log.level":  "log-level",
	})

	rootCmd.AddCommand(
		a.systemCmd(),
		a.runtimeCmd(),
		a.logCmd(),
		a.configCmd(),
		a.tidbCmd(),
		a.metricCmd(),
		a.archiveCmd(),
		a.browseCmd(),
	)
	return rootCmd
}

// setup loads configuration, builds the logger and warns once when not
// running as root.
func (a *app) setup() error {
	cfg, err := config.NewLoaderWithViper(a.v).WithConfigFile(a.configFile).Load()
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.log = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.stderr})
	slog.SetDefault(a.log)

	if !privilege.IsRoot() {
		a.log.Warn("not running as root; privileged collectors will be skipped or fail")
	}
	return nil
}

// liveOrchestrator wires the orchestrator against the running host.
func liveOrchestrator(a *app) (*orchestrator.Orchestrator, error) {
	ns, err := namespace.New(a.cfg.Output, a.cfg.Alias)
	if err != nil {
		return nil, err
	}
	loc, err := locator.New(locator.NewSystemSockets(), a.cfg.Target.Pattern)
	if err != nil {
		return nil, err
	}
	runner := executor.NewToolExecutor(executor.Options{
		ExtraPaths: bundledBinDirs(),
		Grace:      a.cfg.Runtime.Grace,
		Logger:     a.log,
	})
	return orchestrator.New(orchestrator.Deps{
		Namespace: ns,
		Locator:   loc,
		Gate:      privilege.NewHostGate(nil),
		Runner:    runner,
		Factory:   orchestrator.DefaultFactory{SnapshotTool: a.cfg.Collector.Bin},
	}, orchestrator.Options{
		Parallel: a.cfg.Collector.Parallel,
		Grace:    a.cfg.Runtime.Grace,
		Timeout:  a.cfg.Collector.Timeout,
		Logger:   a.log,
		Progress: output.NewVerboseProgress(a.log, !a.quiet, a.verbose),
	})
}

// bundledBinDirs returns the bin/ directory shipped beside the insight
// binary, where release tarballs put vmtouch and the snapshot tool.
func bundledBinDirs() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return []string{filepath.Join(filepath.Dir(exe), "..", "bin")}
}

// execute runs the request and reports it. A failed run is an error so
// the process exits non-zero; nothing_to_do is not.
func (a *app) execute(ctx context.Context, req *orchestrator.Request) error {
	orch, err := a.newOrchestrator(a)
	if err != nil {
		return err
	}
	report, err := orch.Run(ctx, req)
	if err != nil {
		return err
	}
	switch a.report {
	case "":
	case "-":
		if err := output.EncodeJSON(a.stdout, report); err != nil {
			return err
		}
	default:
		if err := output.WriteJSON(report, a.report); err != nil {
			return err
		}
	}
	switch report.Status {
	case model.StatusFailed:
		return fmt.Errorf("%s failed: %s", report.Operation, report.Reason)
	case model.StatusNothingToDo:
		a.log.Warn("nothing to do", "operation", report.Operation, "reason", report.Reason)
	case model.StatusSucceeded:
		if report.Reason != "" {
			a.log.Warn("run stopped early", "operation", report.Operation, "reason", report.Reason)
		}
	}
	return nil
}
