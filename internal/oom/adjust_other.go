//go:build !linux

package oom

import "go.uber.org/zap"

// Apply is a no-op away from Linux; there is no OOM score to negotiate.
func (a *Adjuster) Apply(p Policy) {
	if p == PolicyInherit {
		return
	}
	a.log.Debug("oom adjustment unsupported on this platform",
		zap.String("policy", p.String()))
}
