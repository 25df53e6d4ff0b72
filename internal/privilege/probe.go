package privilege

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
)

// SystemProbe inspects the running kernel.
type SystemProbe struct {
	procRoot string
	sysRoot  string
}

func NewSystemProbe(procRoot, sysRoot string) *SystemProbe {
	return &SystemProbe{procRoot: procRoot, sysRoot: sysRoot}
}

func (p *SystemProbe) EUID() int { return os.Geteuid() }

func (p *SystemProbe) ProcReadable() bool {
	_, err := os.ReadDir(p.procRoot)
	return err == nil
}

// PerfEvents checks that the kernel exposes perf_event_open, which is all
// perf record needs.
func (p *SystemProbe) PerfEvents() error {
	if _, err := perfEventParanoid(p.procRoot); err != nil {
		return fmt.Errorf("perf events unavailable: %w", err)
	}
	return nil
}

// BlockTracing checks that debugfs exposes the block trace interface.
func (p *SystemProbe) BlockTracing() error {
	dir := filepath.Join(p.sysRoot, "kernel", "debug", "block")
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("debugfs block trace interface unavailable: %w", err)
	}
	return nil
}

func perfEventParanoid(procRoot string) (int, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys", "kernel", "perf_event_paranoid"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// TraceFSRoot returns the tracefs mount point under sysRoot, or "".
func TraceFSRoot(sysRoot string) string {
	for _, dir := range []string{
		filepath.Join(sysRoot, "kernel", "tracing"),
		filepath.Join(sysRoot, "kernel", "debug", "tracing"),
	} {
		if _, err := os.Stat(filepath.Join(dir, "trace_pipe")); err == nil {
			return dir
		}
	}
	return ""
}

// Features summarizes the tracing facilities a host offers. It is
// recorded with the system info so a bundle shows why a tracer could not
// run.
type Features struct {
	TraceFS           bool `json:"tracefs"`
	PerfEvents        bool `json:"perf_events"`
	PerfEventParanoid *int `json:"perf_event_paranoid,omitempty"`
	BPFKprobe         bool `json:"bpf_kprobe"`
	BPFPerfEvent      bool `json:"bpf_perf_event"`
}

// ProbeFeatures inspects the kernel under procRoot and sysRoot. The BPF
// program type checks load a trivial program and report false without
// CAP_BPF.
func ProbeFeatures(procRoot, sysRoot string) Features {
	f := Features{TraceFS: TraceFSRoot(sysRoot) != ""}
	if v, err := perfEventParanoid(procRoot); err == nil {
		f.PerfEvents = true
		f.PerfEventParanoid = &v
	}
	f.BPFKprobe = features.HaveProgramType(ebpf.Kprobe) == nil
	f.BPFPerfEvent = features.HaveProgramType(ebpf.PerfEvent) == nil
	return f
}
