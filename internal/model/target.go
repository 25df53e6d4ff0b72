// Package model defines the data types shared across the insight
// collection pipeline: targets, process snapshots and collection outcomes.
package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
)

// TargetKind tags the variant held by a Target.
type TargetKind int

const (
	// TargetSystem is the unscoped selection: collect for the whole host.
	TargetSystem TargetKind = iota
	TargetPID
	TargetPIDList
	TargetPort
	TargetAuto
)

func (k TargetKind) String() string {
	switch k {
	case TargetSystem:
		return "system"
	case TargetPID:
		return "pid"
	case TargetPIDList:
		return "pid_list"
	case TargetPort:
		return "port"
	case TargetAuto:
		return "auto"
	}
	return "unknown"
}

// Protocol is the transport of a listening socket.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// ParseProtocol accepts tcp/udp in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	}
	return "", ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown protocol %q", s))
}

// Target selects what to diagnose. Values are immutable once built:
// constructors copy their inputs and accessors return copies.
type Target struct {
	kind     TargetKind
	pids     []int
	port     int
	protocol Protocol
}

// PIDTarget selects a single process.
func PIDTarget(pid int) Target {
	return Target{kind: TargetPID, pids: []int{pid}}
}

// PIDListTarget selects a set of processes.
func PIDListTarget(pids []int) Target {
	return Target{kind: TargetPIDList, pids: append([]int(nil), pids...)}
}

// PortTarget selects every process listening on port with the given transport.
func PortTarget(port int, proto Protocol) Target {
	if proto == "" {
		proto = ProtoTCP
	}
	return Target{kind: TargetPort, port: port, protocol: proto}
}

// AutoTarget derives targets from the most recent system snapshot.
func AutoTarget() Target {
	return Target{kind: TargetAuto}
}

// SystemTarget selects the whole host. It is the zero Target.
func SystemTarget() Target {
	return Target{kind: TargetSystem}
}

func (t Target) Kind() TargetKind   { return t.kind }
func (t Target) Port() int          { return t.port }
func (t Target) Protocol() Protocol { return t.protocol }

// PIDs returns a copy of the explicit PIDs of a Pid or PidList target.
func (t Target) PIDs() []int {
	return append([]int(nil), t.pids...)
}

// Scoped reports whether the target narrows collection to specific
// processes or ports rather than the whole system.
func (t Target) Scoped() bool {
	return t.kind == TargetPID || t.kind == TargetPIDList || t.kind == TargetPort
}

// Validate rejects non-positive PIDs and out of range ports.
func (t Target) Validate() error {
	switch t.kind {
	case TargetPID, TargetPIDList:
		if len(t.pids) == 0 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, "empty pid list")
		}
		for _, p := range t.pids {
			if p <= 0 {
				return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid pid %d", p))
			}
		}
	case TargetPort:
		if t.port < 1 || t.port > 65535 {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid port %d", t.port))
		}
		if t.protocol != ProtoTCP && t.protocol != ProtoUDP {
			return ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid protocol %q", t.protocol))
		}
	case TargetAuto, TargetSystem:
	default:
		return ierrors.New(ierrors.ErrCodeInvalidRequest, "unknown target kind")
	}
	return nil
}

// String renders the target for logs and the run manifest.
func (t Target) String() string {
	switch t.kind {
	case TargetPID:
		return "pid:" + strconv.Itoa(t.pids[0])
	case TargetPIDList:
		sorted := append([]int(nil), t.pids...)
		sort.Ints(sorted)
		parts := make([]string, len(sorted))
		for i, p := range sorted {
			parts[i] = strconv.Itoa(p)
		}
		return "pids:" + strings.Join(parts, ",")
	case TargetPort:
		return fmt.Sprintf("port:%d/%s", t.port, t.protocol)
	case TargetAuto:
		return "auto"
	}
	return "system"
}

// JoinPIDs formats PIDs as a comma separated list, the form external
// collectors take on their command line.
func JoinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
