package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// run executes the CLI with args and returns stdout, stderr and the error.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func writeBundleFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTargetFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags targetFlags
		want  string
		err   bool
	}{
		{"default is system", targetFlags{}, "system", false},
		{"single pid", targetFlags{pids: []int{42}}, "pid:42", false},
		{"pid list", targetFlags{pids: []int{7, 3}}, "pids:3,7", false},
		{"tcp port", targetFlags{port: 4000, proto: "tcp"}, "port:4000/tcp", false},
		{"udp shorthand", targetFlags{port: 53, proto: "tcp", udp: true}, "port:53/udp", false},
		{"auto", targetFlags{auto: true}, "auto", false},
		{"pid and auto", targetFlags{pids: []int{1}, auto: true}, "", true},
		{"port and pid", targetFlags{pids: []int{1}, port: 80, proto: "tcp"}, "", true},
		{"bad proto", targetFlags{port: 80, proto: "sctp"}, "", true},
		{"bad pid", targetFlags{pids: []int{0}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.target()
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("target: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("target = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestArchiveAndExtract(t *testing.T) {
	isolateEnv(t)
	src := t.TempDir()
	writeBundleFile(t, src, "db-1/configs/tidb.toml", "port = 4000\n")

	stdout, _, err := run(t, "-o", src, "--alias", "db-1", "--log-format", "text", "-q", "--report", "-", "archive")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	var report model.RunReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("report is not json: %v\n%s", err, stdout)
	}
	if report.Status != model.StatusSucceeded || report.Operation != "archive" {
		t.Errorf("report = %+v", report)
	}
	tarball := filepath.Join(src, "db-1.tar.gz")
	if _, err := os.Stat(tarball); err != nil {
		t.Fatalf("tarball missing: %v", err)
	}

	dest := t.TempDir()
	if _, _, err := run(t, "-o", dest, "--alias", "collector", "-q", "archive", "-x", "--input", tarball); err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "db-1", "configs", "tidb.toml"))
	if err != nil || string(data) != "port = 4000\n" {
		t.Errorf("extracted = %q, %v", data, err)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	isolateEnv(t)
	out := t.TempDir()
	writeBundleFile(t, out, "from-flag/logs/a.log", "x")
	t.Setenv("INSIGHT_ALIAS", "from-env")
	t.Setenv("INSIGHT_OUTPUT", out)

	if _, _, err := run(t, "--alias", "from-flag", "-q", "archive"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "from-flag.tar.gz")); err != nil {
		t.Errorf("flag alias not used: %v", err)
	}
}

func TestArchiveMissingAliasFails(t *testing.T) {
	isolateEnv(t)
	_, _, err := run(t, "-o", t.TempDir(), "--alias", "db-1", "-q", "archive")
	if !ierrors.Is(err, ierrors.ErrCodeInvalidRequest) {
		t.Errorf("err = %v, want INVALID_REQUEST", err)
	}
}

func TestInvalidRequestsRejected(t *testing.T) {
	isolateEnv(t)
	out := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"unknown runtime collector", []string{"runtime", "strace"}},
		{"vmtouch without target", []string{"runtime", "vmtouch"}},
		{"ftrace without tracepoint", []string{"runtime", "ftrace"}},
		{"unknown cluster api", []string{"tidb", "tikvctl"}},
		{"conflicting target", []string{"system", "--pid", "1", "--auto"}},
		{"extract without input", []string{"archive", "-x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-o", out, "--alias", "db-1", "-q"}, tt.args...)
			_, _, err := run(t, args...)
			if !ierrors.Is(err, ierrors.ErrCodeInvalidRequest) {
				t.Errorf("err = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestBadConfigFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := run(t, "--config", path, "archive")
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Errorf("err = %v, want log.format validation error", err)
	}
}

func TestNonRootWarning(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	isolateEnv(t)
	_, stderr, _ := run(t, "-o", t.TempDir(), "--alias", "db-1", "--log-format", "text", "-q", "archive")
	if !strings.Contains(stderr, "not running as root") {
		t.Errorf("missing non-root warning:\n%s", stderr)
	}
}

func TestBundledBinDirs(t *testing.T) {
	dirs := bundledBinDirs()
	if len(dirs) != 1 || filepath.Base(dirs[0]) != "bin" {
		t.Errorf("dirs = %v", dirs)
	}
}
