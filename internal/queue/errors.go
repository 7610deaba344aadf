package queue

import "errors"

var (
	// ErrUnknownType is returned by Add before anything is persisted, so an
	// unprocessable task never reaches the store.
	ErrUnknownType = errors.New("queue: unknown workflow type")

	ErrUnknownStatus = errors.New("queue: unknown status")

	ErrTaskNotFound = errors.New("queue: task not found")

	// ErrBadTransition is returned when a mark operation finds the task in a
	// status the transition does not allow.
	ErrBadTransition = errors.New("queue: invalid status transition")
)
