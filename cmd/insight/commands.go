package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dmitriimaksimovdevelop/insight/internal/browse"
	"github.com/dmitriimaksimovdevelop/insight/internal/collector"
	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/orchestrator"
)

// bind maps viper keys to flags so a flag given on the command line wins
// over env and config file values.
func bind(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if f := fs.Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// targetFlags selects what a collection runs against.
type targetFlags struct {
	pids  []int
	port  int
	proto string
	udp   bool
	auto  bool
}

func (t *targetFlags) register(fs *pflag.FlagSet, portFlag, protoFlag string) {
	fs.IntSliceVar(&t.pids, "pid", nil, "Target process IDs")
	fs.IntVar(&t.port, portFlag, 0, "Target the processes listening on this port")
	fs.StringVar(&t.proto, protoFlag, "tcp", "Protocol of the listening port: tcp or udp")
	fs.BoolVar(&t.auto, "auto", false, "Target the cluster processes found in a fresh system snapshot")
}

func (t *targetFlags) target() (model.Target, error) {
	chosen := 0
	for _, set := range []bool{len(t.pids) > 0, t.port > 0, t.auto} {
		if set {
			chosen++
		}
	}
	if chosen > 1 {
		return model.Target{}, ierrors.New(ierrors.ErrCodeInvalidRequest, "--pid, the port flag and --auto are mutually exclusive")
	}

	var target model.Target
	switch {
	case t.auto:
		target = model.AutoTarget()
	case t.port > 0:
		proto := t.proto
		if t.udp {
			proto = string(model.ProtoUDP)
		}
		p, err := model.ParseProtocol(proto)
		if err != nil {
			return model.Target{}, err
		}
		target = model.PortTarget(t.port, p)
	case len(t.pids) == 1:
		target = model.PIDTarget(t.pids[0])
	case len(t.pids) > 1:
		target = model.PIDListTarget(t.pids)
	default:
		target = model.SystemTarget()
	}
	return target, target.Validate()
}

func (a *app) systemCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Snapshot the system and its processes",
		Long: `Take a system snapshot: host info, process stats, NTP, disks, memory,
load and network. With a target, only the matching processes are recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:    []orchestrator.Operation{orchestrator.OpSnapshot},
				Target: target,
			})
		},
	}
	tf.register(cmd.Flags(), "port", "proto")
	cmd.Flags().BoolVar(&tf.udp, "udp", false, "Shorthand for --proto udp")
	return cmd
}

func (a *app) runtimeCmd() *cobra.Command {
	var (
		tf         targetFlags
		script     bool
		tracepoint string
		path       string
	)
	cmd := &cobra.Command{
		Use:   "runtime perf|ftrace|vmtouch|blktrace ...",
		Short: "Profile or trace running processes",
		Long: `Run one or more runtime collectors concurrently for --time:
  perf      CPU profile of the target processes (or the whole system)
  ftrace    kernel tracepoint events, filtered to the target pids
  vmtouch   page cache residency of --target
  blktrace  block I/O trace of the device --target`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			kinds := make([]orchestrator.RuntimeKind, 0, len(args))
			for _, arg := range args {
				k, err := orchestrator.ParseRuntimeKind(arg)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:    []orchestrator.Operation{orchestrator.OpRuntime},
				Target: target,
				Runtime: orchestrator.RuntimeOptions{
					Kinds:      kinds,
					Window:     a.cfg.Runtime.Time,
					Freq:       a.cfg.Runtime.Freq,
					Script:     script,
					Tracepoint: tracepoint,
					Target:     path,
				},
			})
		},
	}
	fs := cmd.Flags()
	tf.register(fs, "listen-port", "listen-proto")
	fs.Duration("time", collector.DefaultWindow, "Sampling window")
	fs.Int("freq", collector.DefaultPerfFreq, "perf sampling frequency in Hz")
	fs.BoolVar(&script, "script", false, "Also export perf samples as text with perf script")
	fs.StringVar(&tracepoint, "tracepoint", "", "ftrace event as subsystem:event, e.g. sched:sched_switch")
	fs.StringVar(&path, "target", "", "File for vmtouch or block device for blktrace")
	bind(a.v, fs, map[string]string{
		"runtime.time": "time",
		"runtime.freq": "freq",
	})
	return cmd
}

func (a *app) logCmd() *cobra.Command {
	var (
		tf    targetFlags
		dirs  []string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Save log files",
		Long: `Copy log files into the bundle. With --auto or --pid, the log files the
target processes were started with are included.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:    []orchestrator.Operation{orchestrator.OpLogs},
				Target: target,
				Logs:   orchestrator.LogOptions{Dirs: dirs, Since: since},
			})
		},
	}
	tf.register(cmd.Flags(), "port", "proto")
	cmd.Flags().StringSliceVar(&dirs, "log-dir", nil, "Directories whose files are copied recursively")
	cmd.Flags().DurationVar(&since, "since", 0, "Only files modified within this duration (0 for all)")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	var (
		tf      targetFlags
		files   []string
		systemd bool
		units   []string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Save configuration files",
		Long: `Copy configuration files into the bundle. With --auto or --pid, the
--config files the target processes were started with are included. With
--systemd, the matching unit files and their properties are saved too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tf.target()
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:     []orchestrator.Operation{orchestrator.OpConfigs},
				Target:  target,
				Configs: orchestrator.ConfigOptions{Files: files, Systemd: systemd, Units: units},
			})
		},
	}
	tf.register(cmd.Flags(), "port", "proto")
	cmd.Flags().StringSliceVar(&files, "config-file", nil, "Configuration files to copy")
	cmd.Flags().BoolVar(&systemd, "systemd", false, "Also save systemd unit files")
	cmd.Flags().StringSliceVar(&units, "unit", nil, "Unit name patterns for --systemd (default: derived from process names)")
	return cmd
}

func (a *app) tidbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tidb pdctl|tidbinfo ...",
		Short: "Read the PD and TiDB HTTP APIs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := make([]orchestrator.ClusterKind, 0, len(args))
			for _, arg := range args {
				kinds = append(kinds, orchestrator.ClusterKind(arg))
			}
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:    []orchestrator.Operation{orchestrator.OpClusterAPI},
				Target: model.SystemTarget(),
				Cluster: orchestrator.ClusterOptions{
					Kinds: kinds,
					PD:    a.cfg.PDOptions(),
					TiDB:  a.cfg.TiDBOptions(),
				},
			})
		},
	}
	fs := cmd.Flags()
	fs.String("pd-host", "localhost", "PD host")
	fs.Int("pd-port", collector.DefaultPDPort, "PD client port")
	fs.String("tidb-host", "localhost", "TiDB host")
	fs.Int("tidb-port", collector.DefaultTiDBPort, "TiDB status port")
	fs.Float64("rps", 10, "Maximum API requests per second")
	bind(a.v, fs, map[string]string{
		"pd.host":   "pd-host",
		"pd.port":   "pd-port",
		"tidb.host": "tidb-host",
		"tidb.port": "tidb-port",
		"api.rps":   "rps",
	})
	return cmd
}

func (a *app) metricCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metric",
		Short: "Dump Prometheus metrics or load a dump into InfluxDB",
	}

	prom := &cobra.Command{
		Use:   "prom",
		Short: "Dump every Prometheus series over a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:     []orchestrator.Operation{orchestrator.OpMetricDump},
				Target:  model.SystemTarget(),
				Metrics: a.cfg.PromOptions(),
			})
		},
	}
	pfs := prom.Flags()
	pfs.String("host", "localhost", "Prometheus host")
	pfs.Int("port", collector.DefaultPromPort, "Prometheus port")
	pfs.Duration("duration", collector.DefaultPromDuration, "Range to dump, ending now")
	pfs.Duration("step", collector.DefaultPromStep, "Query resolution")
	bind(a.v, pfs, map[string]string{
		"prometheus.host":     "host",
		"prometheus.port":     "port",
		"prometheus.duration": "duration",
		"prometheus.step":     "step",
	})

	var input string
	load := &cobra.Command{
		Use:   "load",
		Short: "Load dumped metrics into InfluxDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd.Context(), &orchestrator.Request{
				Ops:  []orchestrator.Operation{orchestrator.OpMetricLoad},
				Load: orchestrator.LoadOptions{Input: input, Influx: a.cfg.InfluxOptions()},
			})
		},
	}
	lfs := load.Flags()
	lfs.StringVar(&input, "input", "", "Bundle or metric/prometheus directory to load")
	lfs.String("influx-url", "", "InfluxDB URL")
	lfs.String("influx-token", "", "InfluxDB API token")
	lfs.String("org", "", "InfluxDB organization")
	lfs.String("bucket", "", "InfluxDB bucket")
	_ = load.MarkFlagRequired("input")
	bind(a.v, lfs, map[string]string{
		"influx.url":    "influx-url",
		"influx.token":  "influx-token",
		"influx.org":    "org",
		"influx.bucket": "bucket",
	})

	cmd.AddCommand(prom, load)
	return cmd
}

func (a *app) archiveCmd() *cobra.Command {
	var (
		extract bool
		input   string
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Pack this host's bundle, or unpack received bundles",
		Long: `Without -x, pack <output>/<alias> into <output>/<alias>.tar.gz.
With -x, unpack --input (a tarball or a directory of tarballs) into the
output root, including tarballs nested inside them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &orchestrator.Request{Ops: []orchestrator.Operation{orchestrator.OpArchive}}
			if extract {
				req.Ops = []orchestrator.Operation{orchestrator.OpExtract}
				req.Archive.Input = input
			}
			return a.execute(cmd.Context(), req)
		},
	}
	cmd.Flags().BoolVarP(&extract, "extract", "x", false, "Extract instead of pack")
	cmd.Flags().StringVar(&input, "input", "", "Archive or directory of archives to extract")
	return cmd
}

func (a *app) browseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browse [DIR]",
		Short: "Serve a bundle read-only over MCP (stdio)",
		Long: `Starts a Model Context Protocol server on stdin/stdout exposing the bundle
under DIR (default: the output root). Tools list hosts, categories and
artifacts, read artifacts and show run manifests.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Output
			if len(args) == 1 {
				dir = args[0]
			}
			srv, err := browse.NewServer(dir, version)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, srv)
		},
	}
}

func serve(ctx context.Context, srv *browse.Server) error {
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
