// Package store does the byte accounting for the packet queue buffer: where
// the next inbound write payload goes, how much room is left, and returning
// room when the consumer acknowledges a staged write.
//
// Payloads are placed in arrival order and released in the same order, so
// the live region is at most two runs: [head, tail) when unwrapped, or
// [head, wrapMark) plus [0, tail) after a placement wrapped to offset 0.
package store

import (
	"errors"
	"fmt"
	"math"

	"github.com/ehrlich-b/go-fwspace/internal/interfaces"
)

// ErrNoBuffer is returned when copying into a store created without a buffer
var ErrNoBuffer = errors.New("no queue buffer")

// State is a snapshot of store accounting for diagnostics
type State struct {
	Capacity  uint32
	Available uint32
	Head      uint32 // start of the oldest staged payload
	Tail      uint32 // end of the newest staged payload
	WrapMark  uint32 // end of the run before the wrap, 0 when unwrapped
	Wrapped   bool
}

// Store tracks free space in a queue buffer. It is not safe for concurrent
// use; the address space serializes access under its own lock.
type Store struct {
	buf       interfaces.Buffer
	capacity  uint32
	available uint32
	head      uint32
	tail      uint32
	wrapMark  uint32
	wrapped   bool
}

// New creates a store over buf with all of it available. A nil buf yields a
// zero-capacity store on which every placement fails.
func New(buf interfaces.Buffer) *Store {
	s := &Store{buf: buf}
	if buf != nil {
		size := buf.Size()
		if size > math.MaxUint32 {
			size = math.MaxUint32
		}
		if size > 0 {
			s.capacity = uint32(size)
		}
	}
	s.available = s.capacity
	return s
}

// spaceAtEnd is the contiguous room after the newest payload
func (s *Store) spaceAtEnd() uint32 {
	if s.wrapped {
		return s.head - s.tail
	}
	return s.capacity - s.tail
}

// Fit decides where n bytes would go without reserving them
func (s *Store) Fit(n uint32) (offset uint32, ok bool) {
	offset, _, ok = s.fit(n)
	return offset, ok
}

func (s *Store) fit(n uint32) (offset uint32, wrap bool, ok bool) {
	if n == 0 || n > s.available {
		return 0, false, false
	}

	end := s.spaceAtEnd()
	if n <= end {
		return s.tail, false, true
	}

	// Room at the front only exists once, before the first wrap
	if !s.wrapped && uint64(n)+uint64(end) <= uint64(s.available) {
		return 0, true, true
	}

	return 0, false, false
}

// Place copies p into the buffer at the next fitting offset and reserves the
// span. ok is false when p does not fit; nothing changes in that case.
func (s *Store) Place(p []byte) (offset uint32, ok bool, err error) {
	if uint64(len(p)) > uint64(s.capacity) {
		return 0, false, nil
	}

	n := uint32(len(p))
	offset, wrap, ok := s.fit(n)
	if !ok {
		return 0, false, nil
	}

	if s.buf == nil {
		return 0, false, ErrNoBuffer
	}
	if _, err := s.buf.WriteAt(p, int64(offset)); err != nil {
		return 0, false, fmt.Errorf("stage %d bytes at offset %d: %w", n, offset, err)
	}

	if wrap {
		s.wrapMark = s.tail
		s.wrapped = true
	}
	s.tail = offset + n
	s.available -= n
	return offset, true, nil
}

// Release returns the oldest staged span. Spans must be released in the
// order they were placed.
func (s *Store) Release(offset, n uint32) {
	if n == 0 {
		return
	}

	if uint64(s.available)+uint64(n) >= uint64(s.capacity) {
		s.reset(s.capacity)
		return
	}
	s.available += n

	s.head = offset + n
	if s.wrapped && s.head >= s.wrapMark {
		s.head = 0
		s.wrapMark = 0
		s.wrapped = false
	}
}

func (s *Store) reset(available uint32) {
	s.available = available
	s.head = 0
	s.tail = 0
	s.wrapMark = 0
	s.wrapped = false
}

// Drain marks the store as holding no capacity, used when the address space
// deactivates.
func (s *Store) Drain() {
	s.reset(0)
}

// Tail returns the offset just past the newest payload, recorded by skip
// records as the position at which writes were dropped.
func (s *Store) Tail() uint32 {
	return s.tail
}

// Available returns the unreserved byte count
func (s *Store) Available() uint32 {
	return s.available
}

// Capacity returns the buffer size
func (s *Store) Capacity() uint32 {
	return s.capacity
}

// Buffer returns the underlying queue buffer, possibly nil
func (s *Store) Buffer() interfaces.Buffer {
	return s.buf
}

// State returns a snapshot of the accounting
func (s *Store) State() State {
	return State{
		Capacity:  s.capacity,
		Available: s.available,
		Head:      s.head,
		Tail:      s.tail,
		WrapMark:  s.wrapMark,
		Wrapped:   s.wrapped,
	}
}
