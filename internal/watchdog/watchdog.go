// Package watchdog tails the kernel log ring and tallies error-grade
// records into the shared segment, so a run that provokes kernel errors
// fails even when every worker exits cleanly. The classifier is only
// the syslog priority prefix; it does not try to read meaning into the
// message text.
package watchdog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/strainhq/strain/internal/workload"
)

const defaultSource = "/dev/kmsg"

// errSeverity is the syslog err level; anything at or below it counts.
const errSeverity = 3

const readPause = 200 * time.Millisecond

// Run tails the kernel log until told to stop, adding one to the
// segment's kernel error tally per error-grade record. It has the
// workload shape so the harness runs it as an ordinary worker; its op
// counter is the number of records scanned.
func Run(ctx context.Context, h *workload.Handle) error {
	path := h.Params.Path
	if path == "" {
		path = defaultSource
	}

	f, err := openTail(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", workload.ErrNoResource, path, err)
	}
	defer f.Close()

	// Only records logged during the run are of interest.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}

	buf := make([]byte, 8192)
	var carry []byte
	for h.Continue(ctx) {
		// Regular files used in tests do not support deadlines.
		_ = f.SetReadDeadline(time.Now().Add(readPause))

		n, err := f.Read(buf)
		if n > 0 {
			carry = scan(h, append(carry, buf[:n]...))
		}
		switch {
		case err == nil:
		case os.IsTimeout(err):
		case errors.Is(err, io.EOF):
			sleepCtx(ctx, readPause)
		case errors.Is(err, unix.EPIPE):
			// The ring overran this reader; later records still count.
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil
}

func openTail(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// scan consumes whole records from data and returns the unfinished
// tail. The kernel emits one record per read, but a plain file feeds
// many lines per read.
func scan(h *workload.Handle, data []byte) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return data
		}
		record(h, data[:i])
		data = data[i+1:]
	}
}

func record(h *workload.Handle, rec []byte) {
	if len(rec) == 0 {
		return
	}
	if sev, ok := severity(rec); ok {
		if sev <= errSeverity {
			h.Seg.AddKernelErrors(1)
		}
		h.Done()
	}
}

// severity decodes the "pri,seq,ts,flags;" prefix of one kmsg record.
// Continuation lines start with a space and carry no priority of their
// own.
func severity(rec []byte) (int, bool) {
	i := bytes.IndexByte(rec, ',')
	if i <= 0 {
		return 0, false
	}
	pri, err := strconv.Atoi(string(rec[:i]))
	if err != nil || pri < 0 {
		return 0, false
	}
	return pri & 7, true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
