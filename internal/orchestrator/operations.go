package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitriimaksimovdevelop/insight/internal/collector"
	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/importer"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// Operation is one thing an invocation can be asked to do.
type Operation int

const (
	OpSnapshot Operation = iota
	OpRuntime
	OpLogs
	OpConfigs
	OpClusterAPI
	OpMetricDump
	OpArchive
	OpExtract
	OpMetricLoad
	OpBrowse
)

var opNames = map[Operation]string{
	OpSnapshot:   "snapshot",
	OpRuntime:    "runtime",
	OpLogs:       "logs",
	OpConfigs:    "configs",
	OpClusterAPI: "cluster_api",
	OpMetricDump: "metric_dump",
	OpArchive:    "archive",
	OpExtract:    "extract",
	OpMetricLoad: "metric_load",
	OpBrowse:     "browse",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// ParseOperation maps a name back to its Operation.
func ParseOperation(s string) (Operation, error) {
	for op, n := range opNames {
		if n == s {
			return op, nil
		}
	}
	return 0, ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown operation %q", s))
}

// Collects reports whether the operation runs collectors through the
// state machine. The rest act on an existing bundle.
func (o Operation) Collects() bool {
	switch o {
	case OpSnapshot, OpRuntime, OpLogs, OpConfigs, OpClusterAPI, OpMetricDump:
		return true
	case OpArchive, OpExtract, OpMetricLoad, OpBrowse:
		return false
	}
	return false
}

// RuntimeKind selects a runtime profiler or tracer.
type RuntimeKind string

const (
	RuntimePerf     RuntimeKind = "perf"
	RuntimeFtrace   RuntimeKind = "ftrace"
	RuntimeVmtouch  RuntimeKind = "vmtouch"
	RuntimeBlktrace RuntimeKind = "blktrace"
)

// ParseRuntimeKind accepts perf, ftrace, vmtouch or blktrace.
func ParseRuntimeKind(s string) (RuntimeKind, error) {
	switch k := RuntimeKind(strings.ToLower(s)); k {
	case RuntimePerf, RuntimeFtrace, RuntimeVmtouch, RuntimeBlktrace:
		return k, nil
	}
	return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown runtime collector %q", s))
}

// RuntimeOptions configures OpRuntime. Several kinds run concurrently.
type RuntimeOptions struct {
	Kinds  []RuntimeKind
	Window time.Duration
	Freq   int
	Script bool
	// Tracepoint is the ftrace event, "subsystem:event".
	Tracepoint string
	// Target is the file for vmtouch or the block device for blktrace.
	Target string
}

// LogOptions configures OpLogs.
type LogOptions struct {
	Dirs  []string
	Since time.Duration
}

// ConfigOptions configures OpConfigs.
type ConfigOptions struct {
	Files   []string
	Systemd bool
	Units   []string
}

// ClusterKind selects a cluster API reader.
type ClusterKind string

const (
	ClusterPD   ClusterKind = "pdctl"
	ClusterTiDB ClusterKind = "tidbinfo"
)

// ClusterOptions configures OpClusterAPI.
type ClusterOptions struct {
	Kinds []ClusterKind
	PD    collector.APIOptions
	TiDB  collector.APIOptions
}

// ArchiveOptions configures OpArchive and OpExtract.
type ArchiveOptions struct {
	// Input is the tarball (or directory of tarballs) to extract.
	Input string
}

// LoadOptions configures OpMetricLoad.
type LoadOptions struct {
	Input  string
	Influx importer.Options
}

// Request is one invocation: the operations to perform and for whom.
// Collection operations may be combined; the others run alone.
type Request struct {
	Ops     []Operation
	Target  model.Target
	Runtime RuntimeOptions
	Logs    LogOptions
	Configs ConfigOptions
	Cluster ClusterOptions
	Metrics collector.PromOptions
	Archive ArchiveOptions
	Load    LoadOptions
}

// Has reports whether op was requested.
func (r *Request) Has(op Operation) bool {
	for _, o := range r.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Name joins the requested operation names, e.g. "logs+configs".
func (r *Request) Name() string {
	parts := make([]string, len(r.Ops))
	for i, op := range r.Ops {
		parts[i] = op.String()
	}
	return strings.Join(parts, "+")
}

// Validate checks the request shape before anything runs.
func (r *Request) Validate() error {
	if len(r.Ops) == 0 {
		return ierrors.New(ierrors.ErrCodeInvalidRequest, "no operation requested")
	}
	seen := make(map[Operation]bool, len(r.Ops))
	for _, op := range r.Ops {
		if _, ok := opNames[op]; !ok {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, op.String()+" is not an operation")
		}
		if seen[op] {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "duplicate operation "+op.String())
		}
		seen[op] = true
		if !op.Collects() && len(r.Ops) > 1 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, op.String()+" cannot be combined with other operations")
		}
	}
	if !r.Ops[0].Collects() {
		return r.validateBundleOp(r.Ops[0])
	}

	if err := r.Target.Validate(); err != nil {
		return err
	}
	if r.Has(OpRuntime) {
		if len(r.Runtime.Kinds) == 0 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "runtime needs at least one collector")
		}
		for _, k := range r.Runtime.Kinds {
			if _, err := ParseRuntimeKind(string(k)); err != nil {
				return err
			}
			if (k == RuntimeVmtouch || k == RuntimeBlktrace) && r.Runtime.Target == "" {
				return ierrors.New(ierrors.ErrCodeInvalidRequest, string(k)+" needs a target")
			}
			if k == RuntimeFtrace && r.Runtime.Tracepoint == "" {
				return ierrors.New(ierrors.ErrCodeInvalidRequest, "ftrace needs a tracepoint")
			}
		}
	}
	if r.Has(OpClusterAPI) {
		if len(r.Cluster.Kinds) == 0 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "cluster api needs pdctl or tidbinfo")
		}
		for _, k := range r.Cluster.Kinds {
			if k != ClusterPD && k != ClusterTiDB {
				return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown cluster api %q", k))
			}
		}
	}
	return nil
}

func (r *Request) validateBundleOp(op Operation) error {
	switch op {
	case OpExtract:
		if r.Archive.Input == "" {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "extract needs an input archive")
		}
	case OpMetricLoad:
		if r.Load.Input == "" {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "metric load needs an input directory")
		}
	case OpArchive, OpBrowse:
	case OpSnapshot, OpRuntime, OpLogs, OpConfigs, OpClusterAPI, OpMetricDump:
	}
	return nil
}
