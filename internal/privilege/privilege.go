// Package privilege centralizes the checks run before any collector that
// needs elevated access to the host.
package privilege

import (
	"fmt"
	"os"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
)

// Capability is an access right a collector may require.
type Capability string

const (
	ReadProcFs         Capability = "read_procfs"
	TraceProcess       Capability = "trace_process"
	ReadBlockDevice    Capability = "read_block_device"
	ReadRestrictedLogs Capability = "read_restricted_logs"
)

// Severity says how a denial affects the operation that asked.
type Severity int

const (
	// SeverityFatal skips the operation: it cannot produce useful output.
	SeverityFatal Severity = iota
	// SeverityWarning logs and continues best-effort.
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "fatal"
}

// Policy maps each capability to the severity of denying it.
var Policy = map[Capability]Severity{
	ReadProcFs:         SeverityFatal,
	TraceProcess:       SeverityFatal,
	ReadBlockDevice:    SeverityFatal,
	ReadRestrictedLogs: SeverityWarning,
}

// Decision is the result of a capability check.
type Decision struct {
	Capability Capability
	Allowed    bool
	Reason     string
	Severity   Severity
}

// Err converts a denial into a PRIVILEGE_DENIED error; allowed decisions
// return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ierrors.NewWithContext(ierrors.ErrCodePrivilegeDenied,
		fmt.Sprintf("%s denied: %s", d.Capability, d.Reason),
		map[string]any{"capability": string(d.Capability), "severity": d.Severity.String()})
}

// Gate answers capability checks. Implementations must be free of side
// effects so the orchestrator can evaluate them before any collector runs.
type Gate interface {
	Require(c Capability) Decision
}

// Probe reports the host facts the policy is evaluated against.
type Probe interface {
	EUID() int
	ProcReadable() bool
	PerfEvents() error
	BlockTracing() error
}

// HostGate evaluates capabilities against a Probe.
type HostGate struct {
	probe Probe
}

// NewHostGate creates a gate for the running host. A nil probe uses the
// live system.
func NewHostGate(probe Probe) *HostGate {
	if probe == nil {
		probe = NewSystemProbe("/proc", "/sys")
	}
	return &HostGate{probe: probe}
}

// Require evaluates one capability.
func (g *HostGate) Require(c Capability) Decision {
	d := Decision{Capability: c, Severity: severityOf(c)}
	root := g.probe.EUID() == 0

	switch c {
	case ReadProcFs:
		if !g.probe.ProcReadable() {
			d.Reason = "procfs is not readable"
			return d
		}
	case TraceProcess:
		if !root {
			d.Reason = "tracing processes requires root privilege"
			return d
		}
		if err := g.probe.PerfEvents(); err != nil {
			d.Reason = err.Error()
			return d
		}
	case ReadBlockDevice:
		if !root {
			d.Reason = "block device tracing requires root privilege"
			return d
		}
		if err := g.probe.BlockTracing(); err != nil {
			d.Reason = err.Error()
			return d
		}
	case ReadRestrictedLogs:
		if !root {
			d.Reason = "reading logs owned by other users requires root privilege"
			return d
		}
	default:
		d.Reason = fmt.Sprintf("unknown capability %q", c)
		return d
	}
	d.Allowed = true
	return d
}

// RequireAll evaluates caps in order and returns every decision.
func RequireAll(g Gate, caps []Capability) []Decision {
	out := make([]Decision, 0, len(caps))
	for _, c := range caps {
		out = append(out, g.Require(c))
	}
	return out
}

// IsRoot reports whether the current process runs as the superuser.
func IsRoot() bool {
	return os.Geteuid() == 0
}

func severityOf(c Capability) Severity {
	if s, ok := Policy[c]; ok {
		return s
	}
	return SeverityFatal
}

// StaticGate allows exactly the capabilities in its map. Used by tests and
// by dry runs.
type StaticGate map[Capability]bool

func (s StaticGate) Require(c Capability) Decision {
	d := Decision{Capability: c, Severity: severityOf(c), Allowed: s[c]}
	if !d.Allowed {
		d.Reason = "not granted"
	}
	return d
}
