package locator

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// Describe builds a snapshot view of just the given processes, for
// collectors that read command lines when no system snapshot was taken.
// Processes that no longer exist are left out.
func Describe(ctx context.Context, pids []int) *model.SnapshotView {
	var procs []model.ProcessRecord
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		rec := model.ProcessRecord{PID: pid}
		rec.Cmd, _ = p.CmdlineWithContext(ctx)
		rec.Name, _ = p.NameWithContext(ctx)
		procs = append(procs, rec)
	}
	return model.NewSnapshotView(procs)
}
