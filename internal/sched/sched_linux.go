package sched

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Kernel policy numbers, from the sched_setscheduler ABI.
const (
	schedOther    uint32 = 0
	schedFifo     uint32 = 1
	schedRR       uint32 = 2
	schedBatch    uint32 = 3
	schedIdle     uint32 = 5
	schedDeadline uint32 = 6
)

// Deadline triple defaults: 10ms of runtime inside a 100ms period.
const (
	defaultDeadlineRuntime = 10_000_000
	defaultDeadlineWindow  = 100_000_000
)

// schedAttr mirrors struct sched_attr up to SCHED_ATTR_SIZE_VER1, which
// added the utilisation clamp fields.
type schedAttr struct {
	size     uint32
	policy   uint32
	flags    uint64
	nice     int32
	priority uint32
	runtime  uint64
	deadline uint64
	period   uint64
	utilMin  uint32
	utilMax  uint32
}

const (
	sizeofSchedAttrV1 = uint32(unsafe.Sizeof(schedAttr{}))
	sizeofSchedAttrV0 = 48
)

func policyNumber(c Class) uint32 {
	switch c {
	case ClassBatch:
		return schedBatch
	case ClassIdle:
		return schedIdle
	case ClassFIFO:
		return schedFifo
	case ClassRR:
		return schedRR
	case ClassDeadline:
		return schedDeadline
	default:
		return schedOther
	}
}

// priorityRange asks the kernel for the static priority bounds of a
// policy. Non-realtime policies report a collapsed 0..0 range.
func priorityRange(policy uint32) (int, int, error) {
	min, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MIN, uintptr(policy), 0, 0)
	if errno != 0 {
		return 0, 0, errno
	}
	max, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(policy), 0, 0)
	if errno != 0 {
		return 0, 0, errno
	}
	return int(min), int(max), nil
}

func resolvePriority(req Request) (int, error) {
	policy := policyNumber(req.Class)
	min, max, err := priorityRange(policy)
	if err != nil {
		return 0, fmt.Errorf("priority range for %s: %w", req.Class, err)
	}
	if req.Priority == nil {
		if req.Aggressive {
			return max, nil
		}
		return (min + max) / 2, nil
	}
	p := *req.Priority
	if p < min || p > max {
		return 0, fmt.Errorf("%w: %d not in [%d, %d] for class %s", ErrPriorityRange, p, min, max, req.Class)
	}
	return p, nil
}

// buildAttr validates the request and assembles the syscall argument.
// An error here means nothing was applied.
func buildAttr(req Request) (schedAttr, error) {
	attr := schedAttr{
		size:   sizeofSchedAttrV1,
		policy: policyNumber(req.Class),
	}
	switch req.Class {
	case ClassDeadline:
		attr.runtime = req.RuntimeNS
		attr.deadline = req.DeadlineNS
		attr.period = req.PeriodNS
		if attr.runtime == 0 {
			attr.runtime = defaultDeadlineRuntime
		}
		if attr.deadline == 0 {
			attr.deadline = defaultDeadlineWindow
		}
		if attr.period == 0 {
			attr.period = attr.deadline
		}
	default:
		p, err := resolvePriority(req)
		if err != nil {
			return schedAttr{}, err
		}
		attr.priority = uint32(p)
	}
	return attr, nil
}

func setattr(pid int, attr *schedAttr) error {
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETATTR, uintptr(pid), uintptr(unsafe.Pointer(attr)), 0)
	switch errno {
	case 0:
		return nil
	case unix.E2BIG:
		return ErrParamSize
	default:
		return errno
	}
}

// Apply installs the requested scheduling on pid, zero meaning the
// caller. Validation failures apply nothing; a kernel that rejects the
// extended attribute struct gets one retry with the v0 layout.
func (b *Binder) Apply(pid int, req Request) error {
	attr, err := buildAttr(req)
	if err != nil {
		return err
	}

	err = setattr(pid, &attr)
	if errors.Is(err, ErrParamSize) {
		attr.size = sizeofSchedAttrV0
		attr.utilMin = 0
		attr.utilMax = 0
		err = setattr(pid, &attr)
	}
	if err != nil {
		if !req.Quiet {
			b.log.Warn("scheduling not applied",
				zap.Int("pid", pid),
				zap.String("class", req.Class.String()),
				zap.Error(err))
		}
		return fmt.Errorf("sched_setattr pid %d class %s: %w", pid, req.Class, err)
	}
	return nil
}

// CurrentPolicy returns pid's scheduling policy number, zero meaning the
// caller.
func CurrentPolicy(pid int) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_SCHED_GETSCHEDULER, uintptr(pid), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
