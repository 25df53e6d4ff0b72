package model

import "time"

// CollectionOutcome is the per-collector result accumulated by the
// orchestrator.
type CollectionOutcome struct {
	Category      string    `json:"category" yaml:"category"`
	Collector     string    `json:"collector" yaml:"collector"`
	Succeeded     bool      `json:"succeeded" yaml:"succeeded"`
	Skipped       bool      `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Stderr        string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	ArtifactPaths []string  `json:"artifact_paths,omitempty" yaml:"artifact_paths,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	EndedAt       time.Time `json:"ended_at" yaml:"ended_at"`
}

// ProducedOutput reports whether the collector left at least one artifact.
func (o CollectionOutcome) ProducedOutput() bool {
	return o.Succeeded && len(o.ArtifactPaths) > 0
}

// RunStatus is the run-level result reported to the caller.
type RunStatus string

const (
	StatusSucceeded   RunStatus = "succeeded"
	StatusFailed      RunStatus = "failed"
	StatusNothingToDo RunStatus = "nothing_to_do"
)

// RunState is a step of the orchestrator's operation state machine.
type RunState string

const (
	StateIdle             RunState = "idle"
	StateTargetResolved   RunState = "target_resolved"
	StatePrivilegeChecked RunState = "privilege_checked"
	StateCollecting       RunState = "collecting"
	StateAggregated       RunState = "aggregated"
	StateDone             RunState = "done"
)

// RunReport summarizes one orchestrator run. It is appended to the
// manifest at the alias root.
type RunReport struct {
	RunID     string              `json:"run_id" yaml:"run_id"`
	Operation string              `json:"operation" yaml:"operation"`
	Target    string              `json:"target" yaml:"target"`
	Alias     string              `json:"alias" yaml:"alias"`
	OutputDir string              `json:"output_dir" yaml:"output_dir"`
	PIDs      []int               `json:"pids,omitempty" yaml:"pids,omitempty"`
	Status    RunStatus           `json:"status" yaml:"status"`
	Reason    string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	States    []RunState          `json:"states" yaml:"states"`
	Outcomes  []CollectionOutcome `json:"outcomes" yaml:"outcomes"`
	StartedAt time.Time           `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time           `json:"ended_at" yaml:"ended_at"`
}

// ComputeStatus returns succeeded when any outcome produced output. With
// no output the run failed, unless every collector was skipped (or none
// ran), which is nothing_to_do.
func ComputeStatus(outcomes []CollectionOutcome) RunStatus {
	skipped := 0
	for _, o := range outcomes {
		if o.ProducedOutput() {
			return StatusSucceeded
		}
		if o.Skipped {
			skipped++
		}
	}
	if skipped == len(outcomes) {
		return StatusNothingToDo
	}
	return StatusFailed
}
