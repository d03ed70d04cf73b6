// Package buffer provides standard queue buffer and backing store implementations
package buffer

import (
	"errors"
	"io"
	"sync"

	"github.com/ehrlich-b/go-fwspace/internal/interfaces"
)

// ErrClosed is returned by operations on a closed buffer
var ErrClosed = errors.New("buffer closed")

// Memory is a heap-allocated buffer
type Memory struct {
	data   []byte
	size   int64
	closed bool
	mu     sync.RWMutex
}

// NewMemory creates a zeroed buffer of the given size
func NewMemory(size int64) *Memory {
	if size < 0 {
		size = 0
	}
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// NewMemoryFrom wraps an existing slice without copying. Useful for static
// backing stores whose contents are prepared up front.
func NewMemoryFrom(data []byte) *Memory {
	return &Memory{
		data: data,
		size: int64(len(data)),
	}
}

// ReadAt implements the Buffer interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Buffer interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off >= m.size {
		return 0, errors.New("write beyond end of buffer")
	}

	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Buffer interface
func (m *Memory) Size() int64 {
	return m.size
}

// Bytes implements the BytesBuffer interface
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Close implements the Buffer interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.data = nil
	return nil
}

// Closed reports whether Close has been called
func (m *Memory) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Compile-time interface checks
var (
	_ interfaces.Buffer      = (*Memory)(nil)
	_ interfaces.BytesBuffer = (*Memory)(nil)
)
