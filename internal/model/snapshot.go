package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Well-known snapshot categories.
const (
	CatSysInfo   = "sysinfo"
	CatProcStats = "proc_stats"
	CatNTP       = "ntp"
	CatDisk      = "disk"
	CatMemInfo   = "meminfo"
	CatLoad      = "load"
	CatNetwork   = "network"
)

// ProcessRecord is one proc_stats row of a system snapshot.
type ProcessRecord struct {
	PID         int      `json:"pid"`
	Cmd         string   `json:"cmd"`
	Name        string   `json:"name"`
	PPID        int      `json:"ppid,omitempty"`
	Username    string   `json:"username,omitempty"`
	CreateTime  int64    `json:"create_time,omitempty"` // ms since epoch
	CPUPercent  float64  `json:"cpu_percent,omitempty"`
	MemoryRSS   uint64   `json:"memory_rss,omitempty"`
	NumFDs      int32    `json:"num_fds,omitempty"`
	NumThreads  int32    `json:"num_threads,omitempty"`
	ListenPorts []uint32 `json:"listen_ports,omitempty"`
}

// SnapshotBundle maps a category name to the raw JSON produced for it.
// It is owned by the orchestrator; collectors only ever see a SnapshotView.
type SnapshotBundle struct {
	categories map[string]json.RawMessage
}

// NewSnapshotBundle returns an empty bundle.
func NewSnapshotBundle() *SnapshotBundle {
	return &SnapshotBundle{categories: make(map[string]json.RawMessage)}
}

// ParseSnapshotBundle decodes the JSON object printed by a snapshot tool.
func ParseSnapshotBundle(data []byte) (*SnapshotBundle, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &SnapshotBundle{categories: raw}, nil
}

// Set stores v under category, replacing any previous value.
func (b *SnapshotBundle) Set(category string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", category, err)
	}
	b.categories[category] = data
	return nil
}

// Raw returns the stored JSON for category, or nil.
func (b *SnapshotBundle) Raw(category string) json.RawMessage {
	return b.categories[category]
}

// Categories returns the category names in sorted order.
func (b *SnapshotBundle) Categories() []string {
	names := make([]string, 0, len(b.categories))
	for k := range b.categories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether a category holds no data. Besides null, "", [] and
// {}, an object whose members are all zero values counts as empty: snapshot
// tools serialize unset structs that way instead of omitting them.
func (b *SnapshotBundle) Empty(category string) bool {
	return isEmptyJSON(b.categories[category])
}

// Persistable returns the categories to write to disk. Scoped runs drop
// the host-wide sysinfo and ntp categories and every empty category;
// whole-system runs keep every category.
func (b *SnapshotBundle) Persistable(scoped bool) []string {
	var out []string
	for _, name := range b.Categories() {
		if scoped && (name == CatSysInfo || name == CatNTP || b.Empty(name)) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Indented returns category's JSON re-indented for writing; empty values
// are normalized to [].
func (b *SnapshotBundle) Indented(category string) ([]byte, error) {
	raw := b.categories[category]
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent %s: %w", category, err)
	}
	return buf.Bytes(), nil
}

// View builds the read-only projection handed to collectors.
func (b *SnapshotBundle) View() (*SnapshotView, error) {
	raw := b.categories[CatProcStats]
	if isEmptyJSON(raw) {
		return NewSnapshotView(nil), nil
	}
	var procs []ProcessRecord
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", CatProcStats, err)
	}
	return NewSnapshotView(procs), nil
}

// isEmptyJSON reports whether raw is a falsy top-level value: null,
// false, 0, "", [] or {}. Members of arrays and objects are not inspected,
// so {"load1":0} is not empty.
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// SnapshotView is an immutable, PID-ordered copy of a snapshot's process
// table.
type SnapshotView struct {
	procs []ProcessRecord
}

// NewSnapshotView copies procs and orders them by ascending PID.
func NewSnapshotView(procs []ProcessRecord) *SnapshotView {
	cp := make([]ProcessRecord, len(procs))
	copy(cp, procs)
	sort.Slice(cp, func(i, j int) bool { return cp[i].PID < cp[j].PID })
	return &SnapshotView{procs: cp}
}

// Processes returns a copy of the process records.
func (v *SnapshotView) Processes() []ProcessRecord {
	if v == nil {
		return nil
	}
	cp := make([]ProcessRecord, len(v.procs))
	copy(cp, v.procs)
	return cp
}

// ProcInfo maps PID to the named field ("cmd" or "name"). Unknown fields
// yield an empty map.
func (v *SnapshotView) ProcInfo(field string) map[int]string {
	out := make(map[int]string)
	if v == nil {
		return out
	}
	for _, p := range v.procs {
		switch field {
		case "cmd":
			out[p.PID] = p.Cmd
		case "name":
			out[p.PID] = p.Name
		}
	}
	return out
}

// Filter returns a view restricted to the given PIDs.
func (v *SnapshotView) Filter(pids []int) *SnapshotView {
	keep := make(map[int]bool, len(pids))
	for _, p := range pids {
		keep[p] = true
	}
	var procs []ProcessRecord
	for _, p := range v.Processes() {
		if keep[p.PID] {
			procs = append(procs, p)
		}
	}
	return NewSnapshotView(procs)
}
