package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecuritySanitizeEnv(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "x")
	t.Setenv("LD_PRELOAD", "/tmp/evil.so")
	sc := NewSecurityChecker()
	env := sc.SanitizeEnv()

	hasPath, hasLocale := false, false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "LC_ALL=C" {
			hasLocale = true
		}
		for _, prefix := range []string{"AWS_", "LD_PRELOAD", "GITHUB_", "SSH_"} {
			if strings.HasPrefix(e, prefix) {
				t.Errorf("leaked sensitive env var: %s", e)
			}
		}
	}
	if !hasPath {
		t.Error("sanitized env missing PATH")
	}
	if !hasLocale {
		t.Error("sanitized env missing LC_ALL=C")
	}
}

func TestSecurityVerifyBinaryBadPath(t *testing.T) {
	sc := NewSecurityChecker()
	if err := sc.VerifyBinary("/tmp/malicious-tool"); err == nil {
		t.Error("expected error for non-allowed path")
	}
}

func TestSecurityResolveNonexistent(t *testing.T) {
	sc := NewSecurityChecker()
	if _, err := sc.ResolveBinary("nonexistent-tool-xyz"); err == nil {
		t.Error("expected error for nonexistent tool")
	}
}

func TestSecurityExtraPathsFirst(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "lsof")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	sc := NewSecurityChecker(dir)

	got, err := sc.ResolveBinary("lsof")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != tool {
		t.Errorf("resolved %q, want bundled %q", got, tool)
	}
	if err := sc.VerifyBinary(got); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestSecurityRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "vmtouch")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(tool, 0o777); err != nil {
		t.Fatal(err)
	}
	sc := NewSecurityChecker(dir)
	if err := sc.VerifyBinary(tool); err == nil {
		t.Error("expected error for world-writable binary")
	}
}

func TestAllowedPaths(t *testing.T) {
	for _, p := range []string{"/usr/sbin", "/usr/bin", "/usr/local/bin"} {
		found := false
		for _, ap := range AllowedBinaryPaths {
			if ap == p {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected allowed path: %s", p)
		}
	}
}
