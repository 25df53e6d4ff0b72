package model

import (
	"reflect"
	"testing"
)

const sampleSnapshot = `{
  "sysinfo": {"host": {"name": "", "uptime": 0}, "kernel": {"release": ""}},
  "ntp": [],
  "disk": [{"device": "/dev/sda1", "total": 100}],
  "proc_stats": [
    {"pid": 300, "cmd": "bin/pd-server --data-dir=/data/pd", "name": "pd-server"},
    {"pid": 100, "cmd": "bin/tidb-server -P 4000", "name": "tidb-server"}
  ]
}`

func TestParseSnapshotBundle(t *testing.T) {
	b, err := ParseSnapshotBundle([]byte(sampleSnapshot))
	if err != nil {
		t.Fatalf("ParseSnapshotBundle: %v", err)
	}
	want := []string{"disk", "ntp", "proc_stats", "sysinfo"}
	if got := b.Categories(); !reflect.DeepEqual(got, want) {
		t.Errorf("Categories() = %v, want %v", got, want)
	}

	if _, err := ParseSnapshotBundle([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestSnapshotEmpty(t *testing.T) {
	b, _ := ParseSnapshotBundle([]byte(sampleSnapshot))

	tests := map[string]bool{
		"ntp":        true,
		"sysinfo":    false, // keys present, even if zero
		"disk":       false,
		"proc_stats": false,
		"missing":    true,
	}
	for cat, want := range tests {
		if got := b.Empty(cat); got != want {
			t.Errorf("Empty(%q) = %v, want %v", cat, got, want)
		}
	}
}

func TestPersistableOmitsEmptyOnlyWhenScoped(t *testing.T) {
	b := NewSnapshotBundle()
	if err := b.Set(CatNTP, []any{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(CatProcStats, []ProcessRecord{{PID: 1, Name: "init"}}); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(CatSysInfo, map[string]string{"hostname": "db-1"}); err != nil {
		t.Fatal(err)
	}

	scoped := b.Persistable(true)
	if !reflect.DeepEqual(scoped, []string{CatProcStats}) {
		t.Errorf("scoped Persistable = %v, want [proc_stats]", scoped)
	}

	whole := b.Persistable(false)
	if !reflect.DeepEqual(whole, []string{CatNTP, CatProcStats, CatSysInfo}) {
		t.Errorf("whole-system Persistable = %v, want [ntp proc_stats sysinfo]", whole)
	}

	data, err := b.Indented(CatNTP)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Errorf("Indented(ntp) = %q, want []", data)
	}
}

func TestSnapshotView(t *testing.T) {
	b, _ := ParseSnapshotBundle([]byte(sampleSnapshot))
	view, err := b.View()
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	procs := view.Processes()
	if len(procs) != 2 || procs[0].PID != 100 || procs[1].PID != 300 {
		t.Fatalf("Processes() not ordered by pid: %+v", procs)
	}

	procs[0].Cmd = "mutated"
	if view.Processes()[0].Cmd == "mutated" {
		t.Error("view exposed internal slice")
	}

	names := view.ProcInfo("name")
	if names[100] != "tidb-server" || names[300] != "pd-server" {
		t.Errorf("ProcInfo(name) = %v", names)
	}
	if cmds := view.ProcInfo("cmd"); cmds[300] != "bin/pd-server --data-dir=/data/pd" {
		t.Errorf("ProcInfo(cmd) = %v", cmds)
	}
	if len(view.ProcInfo("bogus")) != 0 {
		t.Error("unknown field should yield empty map")
	}

	filtered := view.Filter([]int{300, 999})
	if got := filtered.Processes(); len(got) != 1 || got[0].PID != 300 {
		t.Errorf("Filter = %+v", got)
	}
}

func TestNilViewIsSafe(t *testing.T) {
	var v *SnapshotView
	if v.Processes() != nil {
		t.Error("nil view should have no processes")
	}
	if len(v.ProcInfo("cmd")) != 0 {
		t.Error("nil view should yield empty proc info")
	}
}

func TestPersistableKeepsZeroValuedObjects(t *testing.T) {
	b, err := ParseSnapshotBundle([]byte(`{
  "proc_stats": [{"pid": 2101, "name": "tidb-server"}],
  "load": {"load1": 0, "load5": 0, "load15": 0},
  "meminfo": {},
  "disk": [],
  "network": null
}`))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{CatLoad, CatProcStats}
	if got := b.Persistable(true); !reflect.DeepEqual(got, want) {
		t.Errorf("scoped Persistable = %v, want %v", got, want)
	}
}

func TestEmptyIsTopLevelFalsiness(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`null`, true},
		{`false`, true},
		{`0`, true},
		{`""`, true},
		{`[]`, true},
		{`{}`, true},
		{`  `, true},
		{`[0]`, false},
		{`[{}]`, false},
		{`{"a": 0}`, false},
		{`{"a": null}`, false},
		{`"x"`, false},
		{`1`, false},
		{`true`, false},
	}
	for _, tt := range tests {
		if got := isEmptyJSON([]byte(tt.raw)); got != tt.want {
			t.Errorf("isEmptyJSON(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
