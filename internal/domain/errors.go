package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPollNotFound        = errors.New("poll instance not found")
	ErrInvalidPoll         = errors.New("invalid poll instance")
	ErrInvalidTransition   = errors.New("invalid poll status transition")
	ErrProviderUnavailable = errors.New("poll provider unavailable")
)

// TransitionError names the current status of an instance that could not
// make the requested transition. It matches ErrInvalidTransition.
type TransitionError struct {
	InstanceID string
	From       PollStatus
	To         PollStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move poll %s from %s to %s", e.InstanceID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
