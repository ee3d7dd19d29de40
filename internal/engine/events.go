package engine

import (
	"time"
)

// EventType captures high level lifecycle notifications emitted by
// supervisors and the coordinator.
type EventType string

const (
	EventTypeSpawned  EventType = "spawned"
	EventTypeStopping EventType = "stopping"
	EventTypeStopped  EventType = "stopped"
	EventTypeSkipped  EventType = "skipped"
	EventTypeOOM      EventType = "oom"
	EventTypeCrashed  EventType = "crashed"
	EventTypeFailed   EventType = "failed"
)

// Event represents a single worker lifecycle notification.
type Event struct {
	Timestamp time.Time
	Stressor  string
	Worker    int
	Pid       int
	Type      EventType
	Message   string
	Err       error
	Attempt   int
	Reason    string
}

const (
	ReasonInitialStart   = "initial_start"
	ReasonRestart        = "restart"
	ReasonOOMRespawn     = "oom_respawn"
	ReasonStartFailure   = "start_failure"
	ReasonWorkerCrash    = "worker_crash"
	ReasonWorkerFailure  = "worker_failure"
	ReasonRetriesExhaust = "retries_exhausted"
	ReasonNoResource     = "no_resource"
	ReasonNotImplemented = "not_implemented"
	ReasonForceKill      = "force_kill"
	ReasonShutdown       = "shutdown"
)

func sendEvent(events chan<- Event, stressor string, worker, pid int, t EventType, message string, attempt int, reason string, err error) {
	if events == nil {
		return
	}
	events <- Event{
		Timestamp: time.Now(),
		Stressor:  stressor,
		Worker:    worker,
		Pid:       pid,
		Type:      t,
		Message:   message,
		Err:       err,
		Attempt:   attempt,
		Reason:    reason,
	}
}
