// Package output handles run report serialization and progress reporting.
package output

import (
	"fmt"
	"log/slog"
	"time"
)

// Progress reports collection status as log records carrying the time
// elapsed since the run started.
type Progress struct {
	logger  *slog.Logger
	enabled bool
	verbose bool
	start   time.Time
}

// NewProgress creates a Progress reporter. Set enabled=false for --quiet mode.
func NewProgress(logger *slog.Logger, enabled bool) *Progress {
	return &Progress{
		logger:  logger,
		enabled: enabled,
		start:   time.Now(),
	}
}

// NewVerboseProgress creates a Progress reporter with debug lines enabled.
func NewVerboseProgress(logger *slog.Logger, enabled, verbose bool) *Progress {
	return &Progress{
		logger:  logger,
		enabled: enabled || verbose, // verbose implies enabled
		verbose: verbose,
		start:   time.Now(),
	}
}

// Log emits a progress line at INFO if enabled. A nil Progress is silent.
func (p *Progress) Log(format string, args ...interface{}) {
	if p == nil || !p.enabled || p.logger == nil {
		return
	}
	p.logger.Info(fmt.Sprintf(format, args...), "elapsed", p.elapsed())
}

// Debug emits a progress line at DEBUG if verbose is enabled.
func (p *Progress) Debug(format string, args ...interface{}) {
	if p == nil || !p.verbose || p.logger == nil {
		return
	}
	p.logger.Debug(fmt.Sprintf(format, args...), "elapsed", p.elapsed())
}

func (p *Progress) elapsed() string {
	return time.Since(p.start).Round(time.Millisecond).String()
}
