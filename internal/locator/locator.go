// Package locator resolves a diagnostic Target into the set of operating
// system process IDs it refers to.
package locator

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// DefaultPattern matches the command lines of TiDB cluster components.
const DefaultPattern = `(^|/)(tidb-server|tikv-server|pd-server|tiflash|pump|drainer)(\s|$)`

// Listener is one socket bound for listening.
type Listener struct {
	PID      int
	Port     int
	Protocol model.Protocol
}

// SocketLister enumerates listening sockets on the host.
type SocketLister interface {
	Listeners(ctx context.Context, proto model.Protocol) ([]Listener, error)
}

// Locator resolves targets. It holds no state besides its inputs, so two
// calls with identical arguments return identical results.
type Locator struct {
	sockets SocketLister
	pattern *regexp.Regexp
}

// New creates a Locator. An empty pattern selects DefaultPattern.
func New(sockets SocketLister, pattern string) (*Locator, error) {
	if sockets == nil {
		sockets = NewSystemSockets()
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "compile target pattern", err)
	}
	return &Locator{sockets: sockets, pattern: re}, nil
}

// Resolve returns the ascending, de-duplicated PIDs selected by target.
// A port with no listener yields an empty set, not an error. Auto targets
// need a snapshot and fail with MISSING_SNAPSHOT without one. The system
// target selects no specific process and yields nil.
func (l *Locator) Resolve(ctx context.Context, target model.Target, snapshot *model.SnapshotView) ([]int, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	switch target.Kind() {
	case model.TargetSystem:
		return nil, nil
	case model.TargetPID, model.TargetPIDList:
		return uniqueSorted(target.PIDs()), nil
	case model.TargetPort:
		return l.byPort(ctx, target.Port(), target.Protocol())
	case model.TargetAuto:
		if snapshot == nil {
			return nil, ierrors.New(ierrors.ErrCodeMissingSnapshot, "auto target requires a system snapshot")
		}
		return l.byCommandLine(snapshot), nil
	}
	return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("unsupported target %s", target))
}

func (l *Locator) byPort(ctx context.Context, port int, proto model.Protocol) ([]int, error) {
	listeners, err := l.sockets.Listeners(ctx, proto)
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeTargetUnresolvable, "list sockets", err,
			map[string]any{"port": port, "protocol": string(proto)})
	}
	var pids []int
	for _, ln := range listeners {
		if ln.Port == port && ln.Protocol == proto && ln.PID > 0 {
			pids = append(pids, ln.PID)
		}
	}
	return uniqueSorted(pids), nil
}

func (l *Locator) byCommandLine(snapshot *model.SnapshotView) []int {
	var pids []int
	for _, p := range snapshot.Processes() {
		if l.pattern.MatchString(p.Cmd) {
			pids = append(pids, p.PID)
		}
	}
	return uniqueSorted(pids)
}

// MatchesCommand reports whether cmd belongs to the diagnosed application.
func (l *Locator) MatchesCommand(cmd string) bool {
	return l.pattern.MatchString(cmd)
}

func uniqueSorted(pids []int) []int {
	if len(pids) == 0 {
		return []int{}
	}
	seen := make(map[int]bool, len(pids))
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
