// Package shm implements the shared progress segment that links a run
// coordinator to its worker processes.
//
// A segment is a flat byte region: one cache-line header followed by two
// cache lines per worker slot. The header carries run-global control
// words (stop flag, start gate, shared lock, kernel error tally); each
// slot carries the owning worker's operation counter and status flags
// plus a canary copy of the counter used to detect trampled memory.
// Every cross-process access goes through sync/atomic so readers in the
// coordinator never observe torn values while a worker is writing.
package shm

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// lockAttempts bounds how long a locked counter update spins before it
// gives up and skips the update.
const lockAttempts = 128

const barrierPoll = time.Millisecond

// Segment is a mapped progress region shared by the coordinator and its
// workers. One process initialises it; every other participant attaches
// by path and addresses its own slot by index.
type Segment struct {
	prov  Provider
	data  []byte
	slots int
}

// New initialises a fresh segment with n worker slots on top of prov.
func New(prov Provider, n int) (*Segment, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slot count %d: %w", n, ErrTooSmall)
	}
	s, err := wrap(prov)
	if err != nil {
		return nil, err
	}
	if len(s.data) < Size(n) {
		return nil, fmt.Errorf("region is %d bytes, layout needs %d: %w", len(s.data), Size(n), ErrTooSmall)
	}
	s.slots = n
	atomic.StoreUint32(s.u32(offSlotCount), uint32(n))
	atomic.StoreUint32(s.u32(offVersion), segmentVersion)
	atomic.StoreUint32(s.u32(offMagic), segmentMagic)
	return s, nil
}

// Attach validates a segment previously initialised by New, typically in
// another process.
func Attach(prov Provider) (*Segment, error) {
	s, err := wrap(prov)
	if err != nil {
		return nil, err
	}
	if atomic.LoadUint32(s.u32(offMagic)) != segmentMagic {
		return nil, ErrBadMagic
	}
	if v := atomic.LoadUint32(s.u32(offVersion)); v != segmentVersion {
		return nil, fmt.Errorf("segment version %d: %w", v, ErrBadVersion)
	}
	n := int(atomic.LoadUint32(s.u32(offSlotCount)))
	if n <= 0 || len(s.data) < Size(n) {
		return nil, ErrTooSmall
	}
	s.slots = n
	return s, nil
}

func wrap(prov Provider) (*Segment, error) {
	data := prov.Bytes()
	if len(data) < headerSize {
		return nil, ErrTooSmall
	}
	if uintptr(unsafe.Pointer(&data[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	return &Segment{prov: prov, data: data}, nil
}

// Create builds a file-backed segment for n slots at path.
func Create(path string, n int) (*Segment, error) {
	prov, err := CreateFile(path, Size(n))
	if err != nil {
		return nil, err
	}
	seg, err := New(prov, n)
	if err != nil {
		prov.Close()
		return nil, err
	}
	return seg, nil
}

// Open attaches to a file-backed segment created by another process.
func Open(path string) (*Segment, error) {
	prov, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	seg, err := Attach(prov)
	if err != nil {
		prov.Close()
		return nil, err
	}
	return seg, nil
}

// Close releases the mapping. The creating process also removes the
// backing file.
func (s *Segment) Close() error {
	return s.prov.Close()
}

// Slots returns the number of worker slots in the segment.
func (s *Segment) Slots() int {
	return s.slots
}

// RequestStop raises the run-global stop word. Workers observe it on
// their next ShouldContinue check; the word is never lowered again for
// the lifetime of the segment.
func (s *Segment) RequestStop() {
	atomic.StoreUint32(s.u32(offStop), 1)
}

// StopRequested reports whether the stop word is raised.
func (s *Segment) StopRequested() bool {
	return atomic.LoadUint32(s.u32(offStop)) != 0
}

// ReleaseStart opens the start gate, letting workers leave the barrier.
func (s *Segment) ReleaseStart() {
	atomic.StoreUint32(s.u32(offStartGate), 1)
}

func (s *Segment) startReleased() bool {
	return atomic.LoadUint32(s.u32(offStartGate)) != 0
}

// StartedWorkers returns how many workers have checked in at the barrier.
func (s *Segment) StartedWorkers() int {
	return int(atomic.LoadUint32(s.u32(offStartedCount)))
}

// AwaitStart parks the calling worker at the start barrier until the
// coordinator opens the gate or ctx is cancelled.
func (s *Segment) AwaitStart(ctx context.Context) error {
	tick := time.NewTicker(barrierPoll)
	defer tick.Stop()
	for !s.startReleased() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// AwaitWorkers waits until want workers reached the barrier or the grace
// period elapsed, then opens the gate either way so stragglers cannot
// wedge the run. It reports how many workers had checked in.
func (s *Segment) AwaitWorkers(ctx context.Context, want int, grace time.Duration) (int, error) {
	deadline := time.Now().Add(grace)
	tick := time.NewTicker(barrierPoll)
	defer tick.Stop()
	for s.StartedWorkers() < want && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			s.ReleaseStart()
			return s.StartedWorkers(), ctx.Err()
		case <-tick.C:
		}
	}
	s.ReleaseStart()
	return s.StartedWorkers(), nil
}

// AddKernelErrors accumulates kernel log errors observed by the watchdog
// worker.
func (s *Segment) AddKernelErrors(n uint64) {
	atomic.AddUint64(s.u64(offKernelErrs), n)
}

// KernelErrors returns the kernel log errors recorded so far.
func (s *Segment) KernelErrors() uint64 {
	return atomic.LoadUint64(s.u64(offKernelErrs))
}

func (s *Segment) tryLock() bool {
	w := s.u32(offSharedLock)
	for i := 0; i < lockAttempts; i++ {
		if atomic.CompareAndSwapUint32(w, 0, 1) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

func (s *Segment) unlock() {
	atomic.StoreUint32(s.u32(offSharedLock), 0)
}

func (s *Segment) u32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *Segment) u64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}
