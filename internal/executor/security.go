package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// AllowedBinaryPaths are the system directories tools are resolved from.
var AllowedBinaryPaths = []string{
	"/usr/sbin",
	"/usr/bin",
	"/usr/local/bin",
	"/usr/local/sbin",
	"/sbin",
	"/bin",
}

// SecurityChecker verifies binary integrity and sanitizes the execution
// environment.
type SecurityChecker struct {
	allowedPaths []string
}

// NewSecurityChecker creates a SecurityChecker. Extra directories are
// searched before the system ones, in order.
func NewSecurityChecker(extra ...string) *SecurityChecker {
	paths := make([]string, 0, len(extra)+len(AllowedBinaryPaths))
	for _, dir := range extra {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			paths = append(paths, abs)
		}
	}
	paths = append(paths, AllowedBinaryPaths...)
	return &SecurityChecker{allowedPaths: paths}
}

// ResolveBinary finds the tool binary in allowed paths. Tools given as a
// path must live in an allowed directory.
func (sc *SecurityChecker) ResolveBinary(tool string) (string, error) {
	if strings.ContainsRune(tool, filepath.Separator) {
		if _, err := os.Stat(tool); err != nil {
			return "", fmt.Errorf("tool %q: %w", tool, err)
		}
		return tool, nil
	}
	for _, dir := range sc.allowedPaths {
		path := filepath.Join(dir, tool)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("tool %q not found in allowed paths: %v", tool, sc.allowedPaths)
}

// VerifyBinary checks that a binary meets security requirements:
//   - Must be in an allowed directory
//   - Must be owned by root when we are root
//   - Must not be world-writable
func (sc *SecurityChecker) VerifyBinary(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	dir := filepath.Dir(absPath)
	allowed := false
	for _, allowedDir := range sc.allowedPaths {
		if dir == allowedDir {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("binary %q is not in an allowed directory", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", absPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", absPath)
	}

	// A root run must not execute something an unprivileged user could
	// have replaced.
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && os.Geteuid() == 0 {
		if stat.Uid != 0 {
			return fmt.Errorf("binary %q is not owned by root (uid=%d)", absPath, stat.Uid)
		}
	}

	perm := info.Mode().Perm()
	if perm&0o002 != 0 {
		return fmt.Errorf("binary %q is world-writable (mode=%s)", absPath, info.Mode())
	}
	return nil
}

// SanitizeEnv creates a minimal subprocess environment. LC_ALL is pinned
// to C so tool output parses the same on every host.
func (sc *SecurityChecker) SanitizeEnv() []string {
	safeVars := map[string]bool{
		"PATH":   true,
		"HOME":   true,
		"TERM":   true,
		"TMPDIR": true,
	}

	var env []string
	hasPath := false
	for _, e := range os.Environ() {
		name, _, ok := strings.Cut(e, "=")
		if !ok || !safeVars[name] {
			continue
		}
		if name == "PATH" {
			hasPath = true
		}
		env = append(env, e)
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return append(env, "LC_ALL=C")
}
