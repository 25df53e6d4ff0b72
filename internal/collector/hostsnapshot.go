package collector

import (
	"context"
	"sort"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// hostSnapshot builds a SnapshotBundle from gopsutil when no external
// collector binary is installed.
type hostSnapshot struct {
	runner   executor.Runner
	procRoot string
	sysRoot  string
}

func newHostSnapshot(env Env) *hostSnapshot {
	return &hostSnapshot{runner: env.Runner, procRoot: env.procRoot(), sysRoot: env.sysRoot()}
}

// sysInfo is the host description plus the tracing facilities it offers.
type sysInfo struct {
	*host.InfoStat
	Tracing privilege.Features `json:"tracing"`
}

type diskUsage struct {
	Partition disk.PartitionStat `json:"partition"`
	Usage     *disk.UsageStat    `json:"usage,omitempty"`
}

type memInfo struct {
	Virtual *mem.VirtualMemoryStat `json:"virtual,omitempty"`
	Swap    *mem.SwapMemoryStat    `json:"swap,omitempty"`
}

// take collects every category. Host-wide categories are still gathered
// for scoped runs; the omission rule decides what is written.
func (h *hostSnapshot) take(ctx context.Context, scoped bool, pids []int) (*model.SnapshotBundle, error) {
	b := model.NewSnapshotBundle()

	procs, err := h.processes(ctx, scoped, pids)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "list processes", err)
	}
	set := func(category string, v any) {
		if err == nil {
			err = b.Set(category, v)
		}
	}
	set(model.CatProcStats, procs)

	if scoped {
		// Host-wide categories are dropped on write anyway.
		set(model.CatSysInfo, struct{}{})
		set(model.CatNTP, struct{}{})
	} else {
		info, _ := host.InfoWithContext(ctx)
		set(model.CatSysInfo, sysInfo{InfoStat: info, Tracing: privilege.ProbeFeatures(h.procRoot, h.sysRoot)})
		set(model.CatNTP, ntpStatus(ctx, h.runner))
	}

	var disks []diskUsage
	if parts, perr := disk.PartitionsWithContext(ctx, false); perr == nil {
		for _, p := range parts {
			du := diskUsage{Partition: p}
			if u, uerr := disk.UsageWithContext(ctx, p.Mountpoint); uerr == nil {
				du.Usage = u
			}
			disks = append(disks, du)
		}
	}
	set(model.CatDisk, disks)

	var mi memInfo
	mi.Virtual, _ = mem.VirtualMemoryWithContext(ctx)
	mi.Swap, _ = mem.SwapMemoryWithContext(ctx)
	set(model.CatMemInfo, mi)

	avg, _ := load.AvgWithContext(ctx)
	set(model.CatLoad, avg)

	counters, _ := net.IOCountersWithContext(ctx, true)
	set(model.CatNetwork, counters)

	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInternal, "encode snapshot", err)
	}
	return b, nil
}

// processes returns the proc_stats rows. Processes that vanish or deny
// access mid-scan keep whatever fields could be read.
func (h *hostSnapshot) processes(ctx context.Context, scoped bool, pids []int) ([]model.ProcessRecord, error) {
	var procs []*process.Process
	if scoped {
		for _, pid := range pids {
			p, err := process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				continue
			}
			procs = append(procs, p)
		}
	} else {
		var err error
		procs, err = process.ProcessesWithContext(ctx)
		if err != nil {
			return nil, err
		}
	}

	ports := listenPorts(ctx)
	records := make([]model.ProcessRecord, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rec := model.ProcessRecord{PID: int(p.Pid)}
		rec.Cmd, _ = p.CmdlineWithContext(ctx)
		rec.Name, _ = p.NameWithContext(ctx)
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.PPID = int(ppid)
		}
		rec.Username, _ = p.UsernameWithContext(ctx)
		rec.CreateTime, _ = p.CreateTimeWithContext(ctx)
		rec.CPUPercent, _ = p.CPUPercentWithContext(ctx)
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rec.MemoryRSS = mi.RSS
		}
		rec.NumFDs, _ = p.NumFDsWithContext(ctx)
		rec.NumThreads, _ = p.NumThreadsWithContext(ctx)
		rec.ListenPorts = ports[p.Pid]
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	return records, nil
}

// listenPorts maps PID to its listening TCP ports.
func listenPorts(ctx context.Context) map[int32][]uint32 {
	out := make(map[int32][]uint32)
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return out
	}
	seen := make(map[[2]uint32]bool)
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		// v4 and v6 sockets on the same port count once.
		key := [2]uint32{uint32(c.Pid), c.Laddr.Port}
		if seen[key] {
			continue
		}
		seen[key] = true
		out[c.Pid] = append(out[c.Pid], c.Laddr.Port)
	}
	for pid := range out {
		sort.Slice(out[pid], func(i, j int) bool { return out[pid][i] < out[pid][j] })
	}
	return out
}
