package collector

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
)

// perfWriter scripts perf record to write its -o file and perf script
// to print text.
func perfWriter(t *testing.T) func(executor.Command) (*executor.RawOutput, error) {
	return func(c executor.Command) (*executor.RawOutput, error) {
		switch c.Args[0] {
		case "record":
			out := argAfter(c.Args, "-o")
			if err := os.WriteFile(out, []byte("PERFDATA"), 0o644); err != nil {
				t.Errorf("perf -o not writable: %v", err)
			}
			return &executor.RawOutput{Stderr: "[ perf record: Captured ]"}, nil
		case "script":
			_, _ = c.Stdout.Write([]byte("tidb-server 100 cycles\n"))
			return &executor.RawOutput{}, nil
		}
		return &executor.RawOutput{ExitCode: 1}, nil
	}
}

func TestPerfRecordsEachTarget(t *testing.T) {
	r := newFakeRunner().on("perf", perfWriter(t))
	env := testEnv(t, r)

	targets := PerfTargets([]int{100, 300}, sampleView())
	c := NewPerfCollector(env, targets, PerfOptions{Freq: 49, Window: 2 * time.Second, Script: true})
	out := c.Collect(context.Background())
	if !out.Succeeded {
		t.Fatalf("outcome = %+v", out)
	}

	got := listFiles(t, filepath.Join(env.NS.AliasDir(), "perfdata"))
	want := []string{"100_tidb-server.data", "100_tidb-server.txt", "300_tikv-server.data", "300_tikv-server.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}

	for _, call := range r.callsTo("perf") {
		if call.Args[0] != "record" {
			continue
		}
		if argAfter(call.Args, "-F") != "49" {
			t.Errorf("freq not passed: %v", call.Args)
		}
		if !strings.HasSuffix(strings.Join(call.Args, " "), "-- sleep 2") {
			t.Errorf("window not passed: %v", call.Args)
		}
		if p := argAfter(call.Args, "-p"); p != "100" && p != "300" {
			t.Errorf("unexpected pid %q", p)
		}
	}
}

func TestPerfWholeSystem(t *testing.T) {
	r := newFakeRunner().on("perf", perfWriter(t))
	env := testEnv(t, r)

	out := NewPerfCollector(env, nil, PerfOptions{Window: time.Second}).Collect(context.Background())
	if !out.Succeeded {
		t.Fatalf("outcome = %+v", out)
	}
	call := r.callsTo("perf")[0]
	if argAfter(call.Args, "-p") != "" || !strings.Contains(strings.Join(call.Args, " "), " -a ") {
		t.Errorf("expected system-wide record, got %v", call.Args)
	}
	if got := listFiles(t, filepath.Join(env.NS.AliasDir(), "perfdata")); !reflect.DeepEqual(got, []string{"perf.data"}) {
		t.Errorf("files = %v", got)
	}
}

func TestPerfInterruptedLeavesNoArtifact(t *testing.T) {
	r := newFakeRunner().on("perf", func(c executor.Command) (*executor.RawOutput, error) {
		// perf got killed halfway through writing its output.
		_ = os.WriteFile(argAfter(c.Args, "-o"), []byte("PERF"), 0o644)
		return &executor.RawOutput{Interrupted: true, ExitCode: -1}, nil
	})
	env := testEnv(t, r)

	out := NewPerfCollector(env, []PerfTarget{{PID: 100}}, PerfOptions{Window: time.Second}).Collect(context.Background())
	if out.Succeeded {
		t.Fatal("interrupted perf must not succeed")
	}
	if out.ErrorCode != "TOOL_INVOCATION_FAILED" {
		t.Errorf("ErrorCode = %q", out.ErrorCode)
	}
	entries, err := os.ReadDir(filepath.Join(env.NS.AliasDir(), "perfdata"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("interrupted run left %d entries", len(entries))
	}
}

func TestPerfOnePIDFailing(t *testing.T) {
	record := perfWriter(t)
	r := newFakeRunner().on("perf", func(c executor.Command) (*executor.RawOutput, error) {
		if argAfter(c.Args, "-p") == "300" {
			return &executor.RawOutput{ExitCode: 255, Stderr: "No such process"}, nil
		}
		return record(c)
	})
	env := testEnv(t, r)

	out := NewPerfCollector(env, []PerfTarget{{PID: 100}, {PID: 300}}, PerfOptions{Window: time.Second}).Collect(context.Background())
	if !out.Succeeded {
		t.Fatalf("one good pid should succeed: %+v", out)
	}
	if !strings.Contains(out.Stderr, "No such process") || out.Error == "" {
		t.Errorf("partial failure not recorded: %+v", out)
	}
	if got := listFiles(t, filepath.Join(env.NS.AliasDir(), "perfdata")); !reflect.DeepEqual(got, []string{"100.data"}) {
		t.Errorf("files = %v", got)
	}
}

func TestVmtouch(t *testing.T) {
	r := newFakeRunner().stdout("vmtouch", "Resident Pages: 10/20\n")
	env := testEnv(t, r)

	c := NewVmtouchCollector(env, "/data/tikv/db")
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	out := c.Collect(context.Background())
	if !out.Succeeded {
		t.Fatalf("outcome = %+v", out)
	}
	want := []string{"_data_tikv_db_1700000000123.txt"}
	if got := listFiles(t, filepath.Join(env.NS.AliasDir(), "vmtouch")); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if args := r.callsTo("vmtouch")[0].Args; !reflect.DeepEqual(args, []string{"-v", "/data/tikv/db"}) {
		t.Errorf("args = %v", args)
	}
}

func TestVmtouchWithoutTarget(t *testing.T) {
	out := NewVmtouchCollector(testEnv(t, newFakeRunner()), "").Collect(context.Background())
	if !out.Skipped {
		t.Errorf("outcome = %+v", out)
	}
}

func TestBlktraceCommitsOnWindowStop(t *testing.T) {
	r := newFakeRunner().on("blktrace", func(c executor.Command) (*executor.RawOutput, error) {
		if c.Window != 3*time.Second {
			t.Errorf("window = %v", c.Window)
		}
		dir := argAfter(c.Args, "-D")
		for _, f := range []string{"sda.blktrace.0", "sda.blktrace.1"} {
			_ = os.WriteFile(filepath.Join(dir, f), []byte("trace"), 0o644)
		}
		return &executor.RawOutput{Stopped: true, ExitCode: -1}, nil
	})
	env := testEnv(t, r)

	out := NewBlktraceCollector(env, "/dev/sda", 3*time.Second).Collect(context.Background())
	if !out.Succeeded || len(out.ArtifactPaths) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	want := []string{"sda.blktrace.0", "sda.blktrace.1"}
	if got := listFiles(t, filepath.Join(env.NS.AliasDir(), "blktrace")); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if out.ArtifactPaths[0] != filepath.Join(env.NS.AliasDir(), "blktrace", "sda.blktrace.0") {
		t.Errorf("artifact = %s, want it directly under blktrace/", out.ArtifactPaths[0])
	}
	if leftovers, _ := filepath.Glob(filepath.Join(env.NS.AliasDir(), ".blktrace.tmp-*")); len(leftovers) != 0 {
		t.Errorf("staging directory left behind: %v", leftovers)
	}
}

func TestBlktraceInterruptedLeavesNothing(t *testing.T) {
	r := newFakeRunner().on("blktrace", func(c executor.Command) (*executor.RawOutput, error) {
		_ = os.WriteFile(filepath.Join(argAfter(c.Args, "-D"), "sda.blktrace.0"), []byte("tr"), 0o644)
		return &executor.RawOutput{Interrupted: true}, nil
	})
	env := testEnv(t, r)

	out := NewBlktraceCollector(env, "/dev/sda", time.Second).Collect(context.Background())
	if out.Succeeded {
		t.Fatal("interrupted blktrace must fail")
	}
	if files := listFiles(t, filepath.Join(env.NS.AliasDir(), "blktrace")); len(files) != 0 {
		t.Errorf("left files behind: %v", files)
	}
}

// fakeTracefs builds <sys>/kernel/tracing with one sched_switch event.
func fakeTracefs(t *testing.T) (string, string) {
	t.Helper()
	sys := t.TempDir()
	root := filepath.Join(sys, "kernel", "tracing")
	event := filepath.Join(root, "events", "sched", "sched_switch")
	if err := os.MkdirAll(event, 0o755); err != nil {
		t.Fatal(err)
	}
	for path, data := range map[string]string{
		filepath.Join(root, "trace_pipe"):    "",
		filepath.Join(root, "trace"):         "stale",
		filepath.Join(root, "set_event_pid"): "",
		filepath.Join(event, "enable"):       "0",
	} {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return sys, root
}

func TestFtraceRecordsWindow(t *testing.T) {
	sys, root := fakeTracefs(t)
	env := testEnv(t, newFakeRunner())
	env.SysRoot = sys

	c := NewFtraceCollector(env, "sched:sched_switch", []int{100}, 50*time.Millisecond)
	c.now = func() time.Time { return time.UnixMilli(42) }
	out := c.Collect(context.Background())
	if !out.Succeeded {
		t.Fatalf("outcome = %+v", out)
	}

	want := []string{"sched_sched_switch_42.txt"}
	if got := listFiles(t, filepath.Join(env.NS.AliasDir(), "ftracedata")); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	enable, _ := os.ReadFile(filepath.Join(root, "events", "sched", "sched_switch", "enable"))
	if string(enable) != "0" {
		t.Errorf("tracepoint left enabled: %q", enable)
	}
	pidFilter, _ := os.ReadFile(filepath.Join(root, "set_event_pid"))
	if string(pidFilter) != "" {
		t.Errorf("pid filter not reset: %q", pidFilter)
	}
	trace, _ := os.ReadFile(filepath.Join(root, "trace"))
	if string(trace) == "stale" {
		t.Error("trace buffer was not cleared before the window")
	}
}

func TestFtraceInterrupted(t *testing.T) {
	sys, root := fakeTracefs(t)
	env := testEnv(t, newFakeRunner())
	env.SysRoot = sys

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := NewFtraceCollector(env, "sched/sched_switch", nil, time.Minute).Collect(ctx)
	if out.Succeeded {
		t.Fatal("interrupted trace must fail")
	}
	if files := listFiles(t, filepath.Join(env.NS.AliasDir(), "ftracedata")); len(files) != 0 {
		t.Errorf("left files: %v", files)
	}
	enable, _ := os.ReadFile(filepath.Join(root, "events", "sched", "sched_switch", "enable"))
	if string(enable) != "0" {
		t.Errorf("tracepoint left enabled: %q", enable)
	}
}

func TestFtraceRejectsUnknownTracepoint(t *testing.T) {
	sys, _ := fakeTracefs(t)
	env := testEnv(t, newFakeRunner())
	env.SysRoot = sys

	for _, tp := range []string{"sched:nope", "garbage", "sched:"} {
		out := NewFtraceCollector(env, tp, nil, time.Second).Collect(context.Background())
		if out.Succeeded || out.ErrorCode != "INVALID_REQUEST" {
			t.Errorf("%q: outcome = %+v", tp, out)
		}
	}
}
