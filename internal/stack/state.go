package stack

import (
	"errors"

	"github.com/web-casa/stackpilot/internal/docker"
)

// State is the lifecycle state of a stack.
type State string

const (
	StateUnknown    State = "unknown"
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateRestarting State = "restarting"
	StateUpdating   State = "updating"
	StateDeleting   State = "deleting"
	StateExited     State = "exited"
	StateError      State = "error"
	StateDeleted    State = "deleted"
)

// Transient states only exist while an operation holds the stack's lock.
func (s State) Transient() bool {
	switch s {
	case StateRestarting, StateUpdating, StateDeleting:
		return true
	}
	return false
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("stack already exists")
	ErrInvalidName   = errors.New("invalid stack name: use lowercase letters, digits, '-' and '_'")
	ErrLockTimeout   = errors.New("stack is busy, try again later")
	ErrDeleted       = errors.New("stack was deleted")
	ErrStorageLost   = errors.New("stacks directory is gone")
)

// deriveState maps observed containers onto a lifecycle state.
func deriveState(containers []docker.ContainerState) State {
	if len(containers) == 0 {
		return StateCreated
	}
	running := 0
	for _, c := range containers {
		if c.Running() {
			running++
		}
	}
	switch {
	case running == len(containers):
		return StateRunning
	case running > 0:
		return StateExited
	default:
		return StateStopped
	}
}

// refreshedState merges a periodic observation into a settled state.
// A stack believed running whose containers went away is marked exited.
func refreshedState(current State, containers []docker.ContainerState) State {
	observed := deriveState(containers)
	switch current {
	case StateRunning:
		if observed != StateRunning {
			return StateExited
		}
	case StateExited, StateError, StateUnknown:
		if observed == StateRunning {
			return StateRunning
		}
		if current == StateUnknown {
			return observed
		}
	case StateStopped:
		if observed == StateRunning {
			return StateRunning
		}
	case StateCreated:
		if observed == StateRunning || observed == StateExited {
			return observed
		}
	}
	return current
}
