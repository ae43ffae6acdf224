package domain

import (
	"fmt"
	"time"
)

// BatchID is the identifier handed out by the external scheduler.
type BatchID string

// WorkItem names one input artifact of a stage (its basename).
type WorkItem string

// Test runs are capped so they finish on a short queue.
const (
	TestRunMaxTasks   = 50
	TestRunMaxRuntime = "0:30:00"
)

// ResourceLimits are passed through to the scheduler untouched.
type ResourceLimits struct {
	MaxRuntime string `json:"max_runtime" yaml:"max_runtime"` // h:mm:ss
	MaxMemory  string `json:"max_memory" yaml:"max_memory"`   // e.g. "1G"
}

// DefaultResourceLimits mirrors the limits each stage kind has historically
// been submitted with.
func DefaultResourceLimits(kind StageKind) ResourceLimits {
	switch kind {
	case StageKindBuild:
		return ResourceLimits{MaxRuntime: "12:00:00", MaxMemory: "1G"}
	case StageKindValidate:
		return ResourceLimits{MaxRuntime: "24:00:00", MaxMemory: "1G"}
	default:
		return ResourceLimits{MaxRuntime: "0:30:00", MaxMemory: "1G"}
	}
}

// JobBatch is one submission claiming a set of work items. Immutable once
// persisted.
type JobBatch struct {
	ID           BatchID
	Items        []WorkItem
	Multiplicity int
	Limits       ResourceLimits
	TestRun      bool
	CreatedAt    time.Time
}

// TaskCount is the number of scheduler tasks the batch expands to.
func (b JobBatch) TaskCount() int {
	n := len(b.Items) * b.Multiplicity
	if b.TestRun && n > TestRunMaxTasks {
		n = TestRunMaxTasks
	}
	return n
}

// Validate checks the invariants every persisted batch must satisfy.
func (b JobBatch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if len(b.Items) == 0 {
		return fmt.Errorf("batch %s claims no items", b.ID)
	}
	if b.Multiplicity < 1 {
		return fmt.Errorf("batch %s: multiplicity must be >= 1 (got %d)", b.ID, b.Multiplicity)
	}
	seen := make(map[WorkItem]struct{}, len(b.Items))
	for _, item := range b.Items {
		if _, dup := seen[item]; dup {
			return fmt.Errorf("batch %s claims %q twice", b.ID, item)
		}
		seen[item] = struct{}{}
	}
	return nil
}

// BatchSpec is what the scheduler needs in order to hold a batch.
type BatchSpec struct {
	StageDir  StageDir       `json:"stage_dir"`
	TaskCount int            `json:"task_count"`
	Limits    ResourceLimits `json:"limits"`
	TestRun   bool           `json:"test_run"`
}

// Assignment is the work a single scheduler task performs.
type Assignment struct {
	TaskIndex int      `json:"task_index"`
	Item      WorkItem `json:"item"`
	Variant   int      `json:"variant"`
}
