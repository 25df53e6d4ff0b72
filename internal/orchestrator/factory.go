package orchestrator

import (
	"github.com/dmitriimaksimovdevelop/insight/internal/collector"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// Snapshotter is a collector that also hands back the snapshot it took.
type Snapshotter interface {
	collector.Collector
	Bundle() *model.SnapshotBundle
}

// Plan is what the collectors of one operation are built from once the
// target is resolved.
type Plan struct {
	Request *Request
	// PIDs is the resolved target set; nil for a whole-system run.
	PIDs   []int
	Scoped bool
	// View describes the targeted processes. Nil for a whole-system run.
	View *model.SnapshotView
}

// Factory builds collectors. Building must not perform I/O.
type Factory interface {
	Snapshot(env collector.Env, scoped bool, pids []int) Snapshotter
	Collectors(env collector.Env, op Operation, p Plan) []collector.Collector
	// AutoExtras are the collectors every auto-targeted run adds after
	// the snapshot.
	AutoExtras(env collector.Env, view *model.SnapshotView) []collector.Collector
}

// DefaultFactory builds the real collectors.
type DefaultFactory struct {
	// SnapshotTool is the external snapshot executable; empty or missing
	// selects the built-in snapshot.
	SnapshotTool string
}

func (f DefaultFactory) Snapshot(env collector.Env, scoped bool, pids []int) Snapshotter {
	return collector.NewSnapshotCollector(env, f.SnapshotTool, scoped, pids)
}

func (f DefaultFactory) AutoExtras(env collector.Env, view *model.SnapshotView) []collector.Collector {
	return []collector.Collector{
		collector.NewDataDirSizeCollector(env, view),
		collector.NewLsofCollector(env, view),
	}
}

func (f DefaultFactory) Collectors(env collector.Env, op Operation, p Plan) []collector.Collector {
	req := p.Request
	switch op {
	case OpSnapshot:
		return []collector.Collector{f.Snapshot(env, p.Scoped, p.PIDs)}
	case OpRuntime:
		return runtimeCollectors(env, req.Runtime, p)
	case OpLogs:
		return []collector.Collector{collector.NewLogFileCollector(env, collector.LogOptions{
			Dirs:  req.Logs.Dirs,
			View:  p.View,
			Since: req.Logs.Since,
		})}
	case OpConfigs:
		return []collector.Collector{collector.NewConfigFileCollector(env, collector.ConfigOptions{
			Files:   req.Configs.Files,
			View:    p.View,
			Systemd: req.Configs.Systemd,
			Units:   req.Configs.Units,
		})}
	case OpClusterAPI:
		var out []collector.Collector
		for _, k := range req.Cluster.Kinds {
			switch k {
			case ClusterPD:
				out = append(out, collector.NewPDCtlCollector(env, req.Cluster.PD))
			case ClusterTiDB:
				out = append(out, collector.NewTiDBInfoCollector(env, req.Cluster.TiDB))
			}
		}
		return out
	case OpMetricDump:
		return []collector.Collector{collector.NewPromMetricsCollector(env, req.Metrics)}
	case OpArchive, OpExtract, OpMetricLoad, OpBrowse:
		return nil
	}
	return nil
}

func runtimeCollectors(env collector.Env, opts RuntimeOptions, p Plan) []collector.Collector {
	var out []collector.Collector
	for _, k := range opts.Kinds {
		switch k {
		case RuntimePerf:
			out = append(out, collector.NewPerfCollector(env, collector.PerfTargets(p.PIDs, p.View), collector.PerfOptions{
				Freq:   opts.Freq,
				Window: opts.Window,
				Script: opts.Script,
			}))
		case RuntimeFtrace:
			out = append(out, collector.NewFtraceCollector(env, opts.Tracepoint, p.PIDs, opts.Window))
		case RuntimeVmtouch:
			out = append(out, collector.NewVmtouchCollector(env, opts.Target))
		case RuntimeBlktrace:
			out = append(out, collector.NewBlktraceCollector(env, opts.Target, opts.Window))
		}
	}
	return out
}
