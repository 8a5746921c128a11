// Package types defines the shared domain types for MobileClaw: device and
// session states, task and action records, roles, and the error taxonomy used
// across the bridge, executor, orchestrator, and memory store.
package types

import (
	"errors"
	"fmt"
	"time"
)

// DeviceState is the bridge connection state of one device.
type DeviceState string

const (
	DeviceDisconnected DeviceState = "disconnected"
	DeviceConnecting   DeviceState = "connecting"
	DeviceReady        DeviceState = "ready"
	DeviceBusy         DeviceState = "busy"
	DeviceFaulted      DeviceState = "faulted"
)

// SessionStatus is the orchestrator state machine position of one session.
type SessionStatus string

const (
	SessionIdle                 SessionStatus = "idle"
	SessionPlanning             SessionStatus = "planning"
	SessionActing               SessionStatus = "acting"
	SessionAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	SessionDone                 SessionStatus = "done"
	SessionFailed               SessionStatus = "failed"
)

// ActionOutcome records how the device answered one issued action.
type ActionOutcome string

const (
	OutcomePending  ActionOutcome = "pending"
	OutcomeApplied  ActionOutcome = "applied"
	OutcomeRejected ActionOutcome = "rejected"
	OutcomeTimedOut ActionOutcome = "timed_out"
)

// TaskStatus is the terminal classification of a task.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailure TaskStatus = "failure"
	TaskAborted TaskStatus = "aborted"
)

// StepStatus tracks each planned step independently of the task result.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepSucceeded    StepStatus = "succeeded"
	StepFailed       StepStatus = "failed"
	StepNotAttempted StepStatus = "not_attempted"
)

// Role is the permission class of an actor within an organization.
type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
)

// Action is one atomic device operation. Actions are immutable once issued;
// only Outcome is appended when the reply (or its absence) is known.
type Action struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
	Outcome    ActionOutcome  `json:"outcome"`
}

// TaskResult is the recorded outcome of one task.
type TaskResult struct {
	Status TaskStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Error taxonomy. Callers match with errors.Is; wrapping adds context.
var (
	ErrDeviceUnreachable   = errors.New("device unreachable")
	ErrBridgeClosed        = errors.New("bridge closed")
	ErrGroundingAmbiguous  = errors.New("grounding ambiguous")
	ErrStepTimeout         = errors.New("step timeout")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrStaleWrite          = errors.New("stale write")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrBudgetExhausted     = errors.New("task budget exhausted")
	ErrAborted             = errors.New("aborted: no confirmation")
	ErrNotFound            = errors.New("not found")
	ErrDeviceBusy          = errors.New("device busy")
)

// UserMessage renders an error as the human-readable explanation sent through
// the originating chat channel. Device-level faults are softened rather than
// exposed as raw protocol errors.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBridgeClosed), errors.Is(err, ErrDeviceUnreachable):
		return "device unavailable, task paused"
	case errors.Is(err, ErrDeviceBusy):
		return "the device is busy with another task, try again later"
	case errors.Is(err, ErrGroundingAmbiguous):
		return "I could not locate the target on screen with enough confidence"
	case errors.Is(err, ErrStepTimeout):
		return "a step could not be completed even after retries"
	case errors.Is(err, ErrBudgetExhausted):
		return "the task ran out of its step budget before completing"
	case errors.Is(err, ErrAborted):
		return "the task was cancelled because no confirmation arrived in time"
	case errors.Is(err, ErrProviderUnavailable):
		return "the model provider is temporarily unavailable"
	default:
		return fmt.Sprintf("the task failed: %v", err)
	}
}
