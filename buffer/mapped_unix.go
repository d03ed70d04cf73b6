//go:build linux || darwin || freebsd

package buffer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fwspace/internal/interfaces"
)

// Mapped is an anonymous shared mapping. Unlike Memory it is shared with
// processes forked after it is created and can be handed to a consumer that
// maps the same pages.
type Mapped struct {
	mem  []byte
	size int64
	mu   sync.RWMutex
}

// NewMapped maps size bytes rounded up to the page size. Size() reports the
// requested size, not the rounded one.
func NewMapped(size int64) (*Mapped, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}

	page := int64(os.Getpagesize())
	length := size
	if rem := length % page; rem != 0 {
		length += page - rem
	}

	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", length, err)
	}

	return &Mapped{mem: mem, size: size}, nil
}

// ReadAt implements the Buffer interface
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.mem[off:m.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Buffer interface
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return 0, ErrClosed
	}
	if off < 0 || off >= m.size {
		return 0, errors.New("write beyond end of buffer")
	}

	n := copy(m.mem[off:m.size], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Buffer interface
func (m *Mapped) Size() int64 {
	return m.size
}

// Bytes implements the BytesBuffer interface
func (m *Mapped) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mem == nil {
		return nil
	}
	return m.mem[:m.size]
}

// Flush implements the FlushBuffer interface
func (m *Mapped) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mem == nil {
		return ErrClosed
	}
	return unix.Msync(m.mem, unix.MS_SYNC)
}

// Close unmaps the region
func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return ErrClosed
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if err != nil {
		return fmt.Errorf("failed to munmap: %w", err)
	}
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Buffer      = (*Mapped)(nil)
	_ interfaces.BytesBuffer = (*Mapped)(nil)
	_ interfaces.FlushBuffer = (*Mapped)(nil)
)
