// Package sched binds worker processes to kernel scheduling classes so
// runs can stress the scheduler itself or shield latency-sensitive
// probes from the noise they generate.
package sched

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrParamSize reports a kernel that rejected the extended
	// attribute struct; the binding retries once with the v0 layout
	// before giving up.
	ErrParamSize = errors.New("sched: attribute struct too big for kernel")
	// ErrPriorityRange reports a priority outside the class's range.
	// Nothing is applied when this comes back.
	ErrPriorityRange = errors.New("sched: priority out of range")
)

// Class is a kernel scheduling policy.
type Class int

const (
	ClassOther Class = iota
	ClassBatch
	ClassIdle
	ClassFIFO
	ClassRR
	ClassDeadline
)

func (c Class) String() string {
	switch c {
	case ClassBatch:
		return "batch"
	case ClassIdle:
		return "idle"
	case ClassFIFO:
		return "fifo"
	case ClassRR:
		return "rr"
	case ClassDeadline:
		return "deadline"
	default:
		return "other"
	}
}

// ParseClass maps a plan-file spelling to a Class. The empty string
// means other.
func ParseClass(s string) (Class, error) {
	switch s {
	case "", "other":
		return ClassOther, nil
	case "batch":
		return ClassBatch, nil
	case "idle":
		return ClassIdle, nil
	case "fifo":
		return ClassFIFO, nil
	case "rr":
		return ClassRR, nil
	case "deadline":
		return ClassDeadline, nil
	default:
		return ClassOther, fmt.Errorf("unknown scheduling class %q", s)
	}
}

// Request describes the scheduling a worker should run under. A nil
// Priority picks the midpoint of the class's range, or the top of it
// when Aggressive is set. The nanosecond triple applies to the deadline
// class only; zeroes pick safe defaults.
type Request struct {
	Class      Class
	Priority   *int
	Aggressive bool
	RuntimeNS  uint64
	DeadlineNS uint64
	PeriodNS   uint64
	// Quiet suppresses the warning log when the kernel refuses the
	// request; the error still reaches the caller.
	Quiet bool
}

// Binder applies scheduling requests to processes.
type Binder struct {
	log *zap.Logger
}

// New returns a binder that reports refusals through log.
func New(log *zap.Logger) *Binder {
	return &Binder{log: log}
}
