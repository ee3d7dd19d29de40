package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/strainhq/strain/internal/engine"
)

// progressRenderer repaints a single status line while a run is live.
// It stays quiet when the output is not a terminal.
type progressRenderer struct {
	w       io.Writer
	enabled bool
	width   int
	drawn   bool
}

func newProgressRenderer(w io.Writer) *progressRenderer {
	r := &progressRenderer{w: w, width: 100}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.enabled = true
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			r.width = cols
		}
	}
	return r
}

// Update repaints the line with the latest snapshot. Invoked from the
// coordinator's polling goroutine.
func (r *progressRenderer) Update(st engine.RunStatus) {
	if !r.enabled {
		return
	}
	line := renderStatusLine(st, time.Now())
	if len(line) >= r.width {
		line = line[:r.width-1]
	}
	fmt.Fprintf(r.w, "\r\x1b[K%s", line)
	r.drawn = true
}

// Finish terminates the progress line so later output starts clean.
func (r *progressRenderer) Finish() {
	if r.enabled && r.drawn {
		fmt.Fprintln(r.w)
	}
}

func renderStatusLine(st engine.RunStatus, now time.Time) string {
	var running int
	var ops uint64
	for _, s := range st.Stressors {
		running += s.Running
		ops += s.Ops
	}
	elapsed := now.Sub(st.StartedAt).Truncate(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s workers %d ops %d elapsed %s", st.Run, st.State, running, ops, elapsed)
	if st.Deadline != nil {
		remain := st.Deadline.Sub(now).Truncate(time.Second)
		if remain < 0 {
			remain = 0
		}
		fmt.Fprintf(&b, " remaining %s", remain)
	}
	if st.KernelErrors > 0 {
		fmt.Fprintf(&b, " kernel-errors %d", st.KernelErrors)
	}
	return b.String()
}
