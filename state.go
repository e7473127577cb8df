package qmp

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// RunState is the guest run state as reported by query-status.
type RunState int

const (
	RunStateUnknown RunState = iota
	RunStateRunning
	RunStatePaused
	RunStateShutdown
	RunStateCrashed
	RunStateSuspended
	RunStatePrelaunch // VM is being initialized but not yet running
)

// String returns the string representation of the state.
func (s RunState) String() string {
	switch s {
	case RunStateUnknown:
		return "unknown"
	case RunStateRunning:
		return "running"
	case RunStatePaused:
		return "paused"
	case RunStateShutdown:
		return "shutdown"
	case RunStateCrashed:
		return "crashed"
	case RunStateSuspended:
		return "suspended"
	case RunStatePrelaunch:
		return "prelaunch"
	default:
		return fmt.Sprintf("RunState(%d)", s)
	}
}

// IsAlive returns true if the guest is running, paused or about to run.
func (s RunState) IsAlive() bool {
	return s == RunStateRunning || s == RunStatePaused || s == RunStateSuspended || s == RunStatePrelaunch
}

// ParseRunState converts a query-status status string.
func ParseRunState(status string) RunState {
	switch status {
	case "running":
		return RunStateRunning
	case "paused", "debug", "finish-migrate", "postmigrate", "save-vm", "restore-vm", "colo":
		return RunStatePaused
	case "shutdown", "guest-panicked":
		return RunStateShutdown
	case "suspended":
		return RunStateSuspended
	case "prelaunch", "inmigrate":
		return RunStatePrelaunch
	case "internal-error", "io-error", "watchdog":
		return RunStateCrashed
	default:
		return RunStateUnknown
	}
}

// RunStateForEvent maps lifecycle events to the state they imply. ok is
// false for events that say nothing about the run state.
func RunStateForEvent(ev *Event) (state RunState, ok bool) {
	switch ev.Name {
	case "SHUTDOWN":
		return RunStateShutdown, true
	case "RESET", "RESUME", "WAKEUP":
		return RunStateRunning, true
	case "STOP":
		return RunStatePaused, true
	case "SUSPEND", "SUSPEND_DISK":
		return RunStateSuspended, true
	case "GUEST_PANICKED":
		return RunStateCrashed, true
	}
	return RunStateUnknown, false
}

// StatusInfo is the decoded query-status reply.
type StatusInfo struct {
	Status  string
	Running bool
	State   RunState
}

// QueryStatus runs query-status on s.
func QueryStatus(ctx context.Context, s *Session) (StatusInfo, error) {
	result, err := s.Run(ctx, "query-status", nil)
	if err != nil {
		return StatusInfo{}, err
	}

	r := gjson.ParseBytes(result)
	status := r.Get("status")
	if !status.Exists() {
		return StatusInfo{}, fmt.Errorf("query-status: no status in %s", result)
	}
	return StatusInfo{
		Status:  status.String(),
		Running: r.Get("running").Bool(),
		State:   ParseRunState(status.String()),
	}, nil
}
