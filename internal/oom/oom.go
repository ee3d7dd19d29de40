// Package oom negotiates with the kernel out-of-memory killer on behalf
// of worker processes: allocation-heavy workers volunteer themselves as
// first pick so a memory storm takes out the worker and not the harness,
// and deaths are classified so an OOM kill is never mistaken for a
// crash.
package oom

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/strainhq/strain/internal/proc"
)

// Policy says how a process should rank with the OOM killer.
type Policy int

const (
	// PolicyInherit leaves the score alone.
	PolicyInherit Policy = iota
	// PolicyKillable volunteers the process as the killer's first pick.
	PolicyKillable
	// PolicyProtected shields the process as far as privilege allows.
	PolicyProtected
)

func (p Policy) String() string {
	switch p {
	case PolicyKillable:
		return "killable"
	case PolicyProtected:
		return "protected"
	default:
		return "inherit"
	}
}

// ParsePolicy maps a plan value onto a Policy. The empty string means
// inherit.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "inherit":
		return PolicyInherit, nil
	case "killable":
		return PolicyKillable, nil
	case "protected":
		return PolicyProtected, nil
	default:
		return PolicyInherit, fmt.Errorf("unknown oom policy %q (expected inherit, killable or protected)", s)
	}
}

// Cause classifies how a worker died.
type Cause int

const (
	// CauseNormal covers every death the harness can explain.
	CauseNormal Cause = iota
	// CauseOOMKill attributes the death to the kernel OOM killer.
	CauseOOMKill
)

// ClassifyExit decides whether a worker death came from the kernel OOM
// killer rather than the harness's own escalation. The harness records
// every SIGKILL it sends in the slot's force-kill marker, so an
// unsolicited SIGKILL is attributed to the kernel.
func ClassifyExit(st proc.ExitStatus, forceKilled bool) Cause {
	if st.KilledBy(unix.SIGKILL) && !forceKilled {
		return CauseOOMKill
	}
	return CauseNormal
}

// Adjuster writes OOM scores under a procfs root. The root is a field so
// tests can point it at a scratch directory.
type Adjuster struct {
	root string
	log  *zap.Logger
}

// New returns an adjuster operating on the real procfs.
func New(log *zap.Logger) *Adjuster {
	return &Adjuster{root: "/proc", log: log}
}
