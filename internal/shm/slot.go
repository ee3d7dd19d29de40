package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Slot is one worker's view of its progress cells. The owning worker is
// the only writer of the counter, ready, run-ok and started cells; the
// coordinator writes only the force-kill marker and the operation budget.
type Slot struct {
	seg  *Segment
	idx  int
	base uintptr
}

// Slot returns the worker slot at index i.
func (s *Segment) Slot(i int) (*Slot, error) {
	if i < 0 || i >= s.slots {
		return nil, fmt.Errorf("slot %d of %d: %w", i, s.slots, ErrOutOfBounds)
	}
	return &Slot{seg: s, idx: i, base: headerSize + uintptr(i)*slotSize}, nil
}

// Index returns the slot's position in the segment.
func (s *Slot) Index() int {
	return s.idx
}

func (s *Slot) u32(off uintptr) *uint32 { return s.seg.u32(s.base + off) }
func (s *Slot) u64(off uintptr) *uint64 { return s.seg.u64(s.base + off) }

// Add advances the operation counter by n and returns the new value. The
// ready flag is lowered for the duration of the update so a concurrent
// reader can tell a settled value from one mid-flight, and the canary
// copy is refreshed before the flag comes back up.
func (s *Slot) Add(n uint64) uint64 {
	atomic.StoreUint32(s.u32(slotOffReady), 0)
	v := atomic.AddUint64(s.u64(slotOffCounter), n)
	s.writeCanary(v)
	atomic.StoreUint32(s.u32(slotOffReady), 1)
	return v
}

// Inc advances the operation counter by one.
func (s *Slot) Inc() uint64 {
	return s.Add(1)
}

// Set replaces the operation counter outright.
func (s *Slot) Set(v uint64) {
	atomic.StoreUint32(s.u32(slotOffReady), 0)
	atomic.StoreUint64(s.u64(slotOffCounter), v)
	s.writeCanary(v)
	atomic.StoreUint32(s.u32(slotOffReady), 1)
}

// Value returns the counter as currently visible. The value may belong to
// an update in flight; callers that need a settled reading check Ready.
func (s *Slot) Value() uint64 {
	return atomic.LoadUint64(s.u64(slotOffCounter))
}

// Ready reports whether the counter is settled.
func (s *Slot) Ready() bool {
	return atomic.LoadUint32(s.u32(slotOffReady)) != 0
}

// AddLocked advances the counter under the segment's shared lock, for
// slots written from more than one process. When the lock cannot be
// taken within the spin bound the update is skipped rather than stalling
// the worker; the return value is ShouldContinue either way.
func (s *Slot) AddLocked(n uint64) bool {
	if s.seg.tryLock() {
		s.Add(n)
		s.seg.unlock()
	}
	return s.ShouldContinue()
}

// IncLocked is AddLocked for a single operation.
func (s *Slot) IncLocked() bool {
	return s.AddLocked(1)
}

// ShouldContinue tells the worker whether to begin another operation:
// the run-global stop word is down and the operation budget, when set,
// is not yet exhausted. Zero budget means unbounded.
func (s *Slot) ShouldContinue() bool {
	if s.seg.StopRequested() {
		return false
	}
	max := s.MaxOps()
	return max == 0 || s.Value() < max
}

// MarkStarted records the worker's pid and its arrival at the barrier.
func (s *Slot) MarkStarted(pid int) {
	atomic.StoreUint32(s.u32(slotOffPid), uint32(pid))
	atomic.StoreUint32(s.u32(slotOffStarted), 1)
	atomic.AddUint32(s.seg.u32(offStartedCount), 1)
}

// Started reports whether the owning worker reached the barrier.
func (s *Slot) Started() bool {
	return atomic.LoadUint32(s.u32(slotOffStarted)) != 0
}

// Pid returns the pid recorded by MarkStarted, zero before that.
func (s *Slot) Pid() int {
	return int(atomic.LoadUint32(s.u32(slotOffPid)))
}

// SetRunOK records the worker's own verdict on its run.
func (s *Slot) SetRunOK(ok bool) {
	var v uint32
	if ok {
		v = 1
	}
	atomic.StoreUint32(s.u32(slotOffRunOK), v)
}

// RunOK reports whether the worker finished without failure.
func (s *Slot) RunOK() bool {
	return atomic.LoadUint32(s.u32(slotOffRunOK)) != 0
}

// MarkForceKilled flags the slot from the coordinator side when graceful
// termination had to escalate to SIGKILL.
func (s *Slot) MarkForceKilled() {
	atomic.StoreUint32(s.u32(slotOffForceKilled), 1)
}

// ForceKilled reports whether the coordinator had to SIGKILL the worker.
func (s *Slot) ForceKilled() bool {
	return atomic.LoadUint32(s.u32(slotOffForceKilled)) != 0
}

// SetMaxOps installs the operation budget, zero meaning unbounded.
func (s *Slot) SetMaxOps(v uint64) {
	atomic.StoreUint64(s.u64(slotOffMaxOps), v)
}

// MaxOps returns the operation budget for the slot.
func (s *Slot) MaxOps() uint64 {
	return atomic.LoadUint64(s.u64(slotOffMaxOps))
}

func (s *Slot) writeCanary(v uint64) {
	atomic.StoreUint64(s.u64(slotOffCanaryValue), v)
	atomic.StoreUint64(s.u64(slotOffCanarySum), canarySum(v))
}

func canarySum(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return xxhash.Sum64(buf[:])
}

// Verify recomputes the canary checksum against the live counter. It is
// meant for quiescent slots, after the owning worker exited; a false
// return means the counter cells were trampled and the tally cannot be
// trusted.
func (s *Slot) Verify() bool {
	v := s.Value()
	dup := atomic.LoadUint64(s.u64(slotOffCanaryValue))
	sum := atomic.LoadUint64(s.u64(slotOffCanarySum))
	return dup == v && sum == canarySum(dup)
}

// Snapshot is a point-in-time copy of a slot's cells for reporting.
type Snapshot struct {
	Counter     uint64
	MaxOps      uint64
	Pid         int
	Ready       bool
	RunOK       bool
	Started     bool
	ForceKilled bool
	Trusted     bool
}

// Snapshot copies the slot for reporting.
func (s *Slot) Snapshot() Snapshot {
	return Snapshot{
		Counter:     s.Value(),
		MaxOps:      s.MaxOps(),
		Pid:         s.Pid(),
		Ready:       s.Ready(),
		RunOK:       s.RunOK(),
		Started:     s.Started(),
		ForceKilled: s.ForceKilled(),
		Trusted:     s.Verify(),
	}
}
