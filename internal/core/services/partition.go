package services

import (
	"fmt"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// Assign statically maps a task index onto a work item and variant so that
// tasks of one batch never need to coordinate.
func Assign(items []domain.WorkItem, multiplicity, taskIndex int) (domain.Assignment, error) {
	if len(items) == 0 {
		return domain.Assignment{}, fmt.Errorf("cannot assign task %d: batch has no items", taskIndex)
	}
	if multiplicity < 1 {
		multiplicity = 1
	}
	if taskIndex < 0 || taskIndex >= len(items)*multiplicity {
		return domain.Assignment{}, fmt.Errorf("task index %d out of range [0, %d)", taskIndex, len(items)*multiplicity)
	}
	return domain.Assignment{
		TaskIndex: taskIndex,
		Item:      items[taskIndex%len(items)],
		Variant:   taskIndex / len(items),
	}, nil
}
