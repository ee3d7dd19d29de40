//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileProvider maps a file shared between the coordinator and its worker
// processes. The creator sizes the file and removes it on Close; workers
// open the path they were handed and leave the file in place.
type fileProvider struct {
	f     *os.File
	data  []byte
	owned bool
}

// DefaultDir returns the preferred directory for segment files: a tmpfs
// mount when one is available so the mapping never reaches a disk.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// CreateFile creates and maps a new segment file of the given size.
func CreateFile(path string, size int) (Provider, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size segment file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("map segment file: %w", err)
	}
	return &fileProvider{f: f, data: data, owned: true}, nil
}

// OpenFile maps an existing segment file created by another process.
func OpenFile(path string) (Provider, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	size := int(fi.Size())
	if size < headerSize {
		f.Close()
		return nil, ErrTooSmall
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment file: %w", err)
	}
	return &fileProvider{f: f, data: data}, nil
}

func (p *fileProvider) Bytes() []byte { return p.data }

func (p *fileProvider) Close() error {
	var first error
	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			first = fmt.Errorf("unmap segment: %w", err)
		}
		p.data = nil
	}
	name := p.f.Name()
	if err := p.f.Close(); err != nil && first == nil {
		first = err
	}
	if p.owned {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}
