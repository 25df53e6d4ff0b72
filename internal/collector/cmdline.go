package collector

import "strings"

// ParseCmdline extracts long and short options from a process command
// line. Both "--key=value" and "--key value" forms are recognized; a flag
// followed by another flag, or by nothing, maps to "".
func ParseCmdline(cmdline string) map[string]string {
	args := make(map[string]string)
	fields := strings.Fields(cmdline)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasPrefix(f, "-") || f == "-" || f == "--" {
			continue
		}
		key := strings.TrimLeft(f, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			args[k] = v
			continue
		}
		if i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "-") {
			args[key] = fields[i+1]
			i++
			continue
		}
		args[key] = ""
	}
	return args
}

// sanitizeName turns a path or device into a flat file name component.
func sanitizeName(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}
