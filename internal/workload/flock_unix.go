//go:build unix

package workload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// runFlock takes and releases an exclusive file lock per operation.
// Workers of the same stressor share the lock file, so this doubles as
// a cross-process contention workload.
func runFlock(ctx context.Context, h *Handle) error {
	path := h.Params.Path
	if path == "" {
		path = filepath.Join(os.TempDir(), "strain-flock")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", ErrNoResource, err)
	}
	defer f.Close()

	fd := int(f.Fd())
	for h.Continue(ctx) {
		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			return fmt.Errorf("flock %s: %w", path, err)
		}
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			return fmt.Errorf("funlock %s: %w", path, err)
		}
		h.Done()
	}
	return nil
}
