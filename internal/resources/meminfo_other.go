//go:build !linux

package resources

import "errors"

// MemTotal is unavailable off Linux, so percentage quantities cannot be
// resolved there.
func MemTotal() (int64, error) {
	return 0, errors.New("memory total unavailable on this platform")
}
