package domain

import "errors"

// Errors shared by every store adapter.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrNoTaskToClaim    = errors.New("no task ready")
	ErrVersionConflict  = errors.New("task was modified concurrently")
	ErrMessageNotFound  = errors.New("dead letter message not found")
	ErrScheduleNotFound = errors.New("schedule not found")
)
