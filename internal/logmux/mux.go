// Package logmux relays worker stderr through the harness. Each worker
// writes into a pipe; the mux scans lines, prefixes them with the
// worker identity, and fans them into one bounded stream. A flooding
// worker can fill the pipe without wedging the run, and a slow
// terminal costs dropped lines rather than stalled workers.
package logmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes caps a single relayed line. Workers under fault
// injection can emit pathological output; anything longer ends the
// relay for that worker, not the worker itself.
const maxLineBytes = 256 * 1024

// Mux fans worker stderr lines into a single writer via a bounded
// channel. When the writer cannot keep up and the buffer would
// overflow, the mux drops lines and emits a synthesized note carrying
// the number of discarded entries once the stream drains.
type Mux struct {
	dst io.Writer
	out chan string

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
	writer sync.WaitGroup
}

// New constructs a mux writing to dst, backed by a channel of the
// provided size. A size of zero results in a minimally buffered
// channel.
func New(dst io.Writer, size int) *Mux {
	if size <= 0 {
		size = 1
	}
	m := &Mux{
		dst:   dst,
		out:   make(chan string, size),
		drops: make(map[string]int),
	}
	m.writer.Add(1)
	go m.drain()
	return m
}

// Attach registers one worker's stderr pipe under label. The mux
// consumes lines until the pipe reaches EOF, which happens when the
// worker exits and the parent has dropped its own write end.
func (m *Mux) Attach(label string, r io.ReadCloser) {
	if r == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		defer r.Close()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			m.deliver(label, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			m.deliver(label, fmt.Sprintf("stderr relay ended: %v", err))
		}
	}()
}

// Close waits for all attached pipes to drain, flushes pending drop
// counts, and stops the writer. Call only after every worker has been
// reaped; a live worker would hold its pipe open and block the wait.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
	m.writer.Wait()
}

func (m *Mux) drain() {
	defer m.writer.Done()
	for line := range m.out {
		fmt.Fprintln(m.dst, line)
	}
}

func (m *Mux) deliver(label, text string) {
	if !m.flushPending(label) {
		m.recordDrop(label, 1)
		return
	}
	if m.trySend(label + ": " + text) {
		return
	}
	m.recordDrop(label, 1)
}

// flushPending emits the drop note for label before any newer line, so
// the reader sees the gap where it happened.
func (m *Mux) flushPending(label string) bool {
	for {
		count := m.takeDrops(label)
		if count == 0 {
			return true
		}
		if m.trySend(dropNote(label, count)) {
			continue
		}
		m.recordDrop(label, count)
		return false
	}
}

func (m *Mux) takeDrops(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[label]
	if count != 0 {
		delete(m.drops, label)
	}
	return count
}

func (m *Mux) recordDrop(label string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[label] += count
}

func (m *Mux) flushDrops() {
	for label, count := range m.collectDrops() {
		m.blockingSend(dropNote(label, count))
	}
}

func (m *Mux) collectDrops() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]int, len(m.drops))
	for label, count := range m.drops {
		if count == 0 {
			continue
		}
		dup[label] = count
	}
	m.drops = make(map[string]int)
	return dup
}

func (m *Mux) trySend(line string) bool {
	select {
	case m.out <- line:
		return true
	default:
		return false
	}
}

func (m *Mux) blockingSend(line string) {
	m.out <- line
}

func dropNote(label string, count int) string {
	return fmt.Sprintf("%s: dropped %d stderr lines", label, count)
}
