package oom

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Apply writes the calling process's own OOM ranking. Failures are
// logged and swallowed: a stressor keeps running on kernels or sandboxes
// where the knobs are missing or read-only.
func (a *Adjuster) Apply(p Policy) {
	if p == PolicyInherit {
		return
	}

	err := writeKnob(filepath.Join(a.root, "self", "oom_score_adj"), a.scoreAdj(p))
	if err == nil {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		// Kernels before 2.6.36 expose only the legacy knob.
		lerr := writeKnob(filepath.Join(a.root, "self", "oom_adj"), a.legacyAdj(p))
		if lerr == nil || errors.Is(lerr, fs.ErrNotExist) {
			return
		}
		err = lerr
	}
	a.log.Warn("oom adjustment not applied",
		zap.String("policy", p.String()),
		zap.Error(err))
}

func (a *Adjuster) scoreAdj(p Policy) string {
	if p == PolicyKillable {
		return "1000"
	}
	if privileged() {
		return "-1000"
	}
	// Negative scores need CAP_SYS_RESOURCE; zero is the strongest
	// protection an unprivileged process may request.
	return "0"
}

func (a *Adjuster) legacyAdj(p Policy) string {
	if p == PolicyKillable {
		return "15"
	}
	if privileged() {
		return "-17"
	}
	return "0"
}

func privileged() bool {
	return os.Getuid() == 0 && os.Geteuid() == 0
}

func writeKnob(path, val string) error {
	return os.WriteFile(path, []byte(val), 0)
}
