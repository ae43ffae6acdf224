package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPathNotFound    = errors.New("path not found")
	ErrStageNotFound   = errors.New("stage not found")
	ErrSubmission      = errors.New("submission failed")
	ErrUnknownMetric   = errors.New("unknown metric")
	ErrMissingMetric   = errors.New("missing metric")
	ErrCacheCorrupt    = errors.New("metric cache corrupt")
	ErrClaimConflict   = errors.New("work item already claimed")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrNothingToSubmit = errors.New("no unclaimed work items")
)

// StageNotFoundError is returned when no stage directory encloses a path.
type StageNotFoundError struct {
	Path string
}

func (e *StageNotFoundError) Error() string {
	return fmt.Sprintf("'%s' is not inside a pipeline stage directory", e.Path)
}

func (e *StageNotFoundError) Unwrap() error { return ErrStageNotFound }

// MissingInputError lists every required path that does not exist.
type MissingInputError struct {
	Paths []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing %d required path(s): %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *MissingInputError) Unwrap() error { return ErrPathNotFound }

// UnknownMetricError is fatal and always raised before anything is mutated.
type UnknownMetricError struct {
	Names []string
	Valid []string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric(s) %s; valid metrics are: %s",
		strings.Join(e.Names, ", "), strings.Join(e.Valid, ", "))
}

func (e *UnknownMetricError) Unwrap() error { return ErrUnknownMetric }

// MissingMetricError describes a record dropped for lack of a metric.
type MissingMetricError struct {
	Artifact string
	Metric   string
}

func (e *MissingMetricError) Error() string {
	return fmt.Sprintf("'%s' has no value for %q", e.Artifact, e.Metric)
}

func (e *MissingMetricError) Unwrap() error { return ErrMissingMetric }

// SubmissionError means no batch was recorded; the items remain unclaimed
// unless Claimed is set.
type SubmissionError struct {
	Stage   Stage
	Claimed bool
	Cause   error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("failed to submit %s batch: %v", e.Stage, e.Cause)
	if e.Claimed {
		msg += " (items were claimed; clear the stage before resubmitting)"
	}
	return msg
}

func (e *SubmissionError) Unwrap() []error { return []error{ErrSubmission, e.Cause} }
