//go:build !linux

package sched

import "go.uber.org/zap"

// Apply succeeds without doing anything: scheduler binding degrades to a
// no-op away from Linux rather than failing a run.
func (b *Binder) Apply(pid int, req Request) error {
	b.log.Debug("scheduler binding unsupported on this platform",
		zap.Int("pid", pid),
		zap.String("class", req.Class.String()))
	return nil
}

// CurrentPolicy reports the only policy this platform shim knows.
func CurrentPolicy(pid int) (int, error) {
	return 0, nil
}
