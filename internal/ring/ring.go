// Package ring implements the descriptor ring: a circular chain of request
// slots, addressed by index, that records every write, skip and read the
// address space has handed to its consumer but not yet seen acknowledged.
//
// Slots are never destroyed while the ring is live. A slot is retagged Free
// when its work is acknowledged and reused by a later request; a new slot is
// only inserted when the slot after the write cursor is still in flight, so the
// ring grows to the peak number of concurrently outstanding requests and no
// further. Ring is not safe for concurrent use; the address space serializes
// access under its own lock.
package ring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-fwspace/internal/constants"
)

// Index addresses a slot in the arena
type Index int32

// None is the index of no slot
const None Index = -1

var (
	// ErrExhausted is returned when a new slot is needed but the ring is at MaxSlots
	ErrExhausted = errors.New("descriptor ring exhausted")

	// ErrEmpty is returned when releasing with nothing pending
	ErrEmpty = errors.New("no pending descriptor")
)

// Slot is one entry of the ring
type Slot struct {
	Desc    Descriptor
	Command uint32 // identifies the outstanding acknowledgment, 0 when Free
	next    Index
}

// Next returns the index of the following slot
func (s Slot) Next() Index {
	return s.next
}

// Free reports whether the slot carries no work
func (s Slot) Free() bool {
	return s.Desc == nil || s.Desc.Kind() == KindFree
}

// State is a snapshot of ring cursors for diagnostics
type State struct {
	Slots       int   // slots allocated so far
	Pending     int   // slots between read and write cursor, inclusive
	Write       Index // last slot allocated
	Read        Index // oldest unacknowledged slot
	NextCommand uint32
}

// Ring is the descriptor arena
type Ring struct {
	slots    []Slot
	write    Index
	read     Index
	pending  int
	maxSlots int
	lastCmd  uint32
}

// New creates an empty ring that may grow to maxSlots slots. A non-positive
// maxSlots selects the default limit.
func New(maxSlots int) *Ring {
	if maxSlots <= 0 {
		maxSlots = constants.DefaultMaxSlots
	}
	return &Ring{
		write:    None,
		read:     None,
		maxSlots: maxSlots,
	}
}

func (r *Ring) free(i Index) bool {
	return r.slots[i].Free()
}

// insertAfter links a fresh Free slot after cur
func (r *Ring) insertAfter(cur Index) (Index, error) {
	if len(r.slots) >= r.maxSlots {
		return None, fmt.Errorf("%w: %d slots in flight", ErrExhausted, len(r.slots))
	}

	idx := Index(len(r.slots))
	if cur == None {
		r.slots = append(r.slots, Slot{Desc: Free{}, next: idx})
		return idx, nil
	}

	r.slots = append(r.slots, Slot{Desc: Free{}, next: r.slots[cur].next})
	r.slots[cur].next = idx
	return idx, nil
}

// allocate picks the slot the next descriptor goes into without modifying it
func (r *Ring) allocate() (Index, error) {
	if len(r.slots) == 0 {
		idx, err := r.insertAfter(None)
		if err != nil {
			return None, err
		}
		r.write, r.read = idx, idx
		return idx, nil
	}

	cur := r.write

	// Parked on an empty ring: the write slot itself is the next to fill
	if r.free(cur) && cur == r.read {
		return cur, nil
	}

	next := r.slots[cur].next
	if next != cur && r.free(next) {
		return next, nil
	}

	// cur and next are both in flight (or cur is alone and busy)
	return r.insertAfter(cur)
}

// Full reports whether the next Push would need a new slot beyond MaxSlots
func (r *Ring) Full() bool {
	if len(r.slots) < r.maxSlots {
		return false
	}
	cur := r.write
	if r.free(cur) && cur == r.read {
		return false
	}
	next := r.slots[cur].next
	return next == cur || !r.free(next)
}

// Push stores d in the next available slot, advances the write cursor to it
// and returns its index. The slot receives a fresh non-zero command ID.
func (r *Ring) Push(d Descriptor) (Index, error) {
	if d == nil || d.Kind() == KindFree {
		return None, errors.New("cannot push a free descriptor")
	}

	idx, err := r.allocate()
	if err != nil {
		return None, err
	}

	r.lastCmd++
	if r.lastCmd == 0 {
		r.lastCmd = 1
	}

	r.slots[idx].Desc = d
	r.slots[idx].Command = r.lastCmd
	r.write = idx
	r.pending++
	return idx, nil
}

// Coalesce adds one drop to the write slot when it is a Skipped record other
// than exclude. It returns the new count and whether a record was updated.
func (r *Ring) Coalesce(exclude Index) (uint32, bool) {
	if len(r.slots) == 0 || r.write == exclude {
		return 0, false
	}

	s := &r.slots[r.write]
	sk, ok := s.Desc.(Skipped)
	if !ok {
		return 0, false
	}

	sk.Count++
	s.Desc = sk
	return sk.Count, true
}

// Head returns the oldest pending slot
func (r *Ring) Head() (Index, Slot, bool) {
	if len(r.slots) == 0 || r.free(r.read) {
		return None, Slot{}, false
	}
	return r.read, r.slots[r.read], true
}

// Release retags the oldest pending slot Free, advances the read cursor and
// returns the slot as it was before release.
func (r *Ring) Release() (Slot, error) {
	idx, old, ok := r.Head()
	if !ok {
		return Slot{}, ErrEmpty
	}

	r.slots[idx].Desc = Free{}
	r.slots[idx].Command = 0
	r.read = r.slots[idx].next
	r.pending--
	return old, nil
}

// Slot returns the slot at i
func (r *Ring) Slot(i Index) (Slot, bool) {
	if i < 0 || int(i) >= len(r.slots) {
		return Slot{}, false
	}
	return r.slots[i], true
}

// Len returns the number of slots allocated
func (r *Ring) Len() int {
	return len(r.slots)
}

// Pending returns the number of slots holding unacknowledged work
func (r *Ring) Pending() int {
	return r.pending
}

// Cursors returns the write and read cursors
func (r *Ring) Cursors() (write, read Index) {
	return r.write, r.read
}

// InFlight calls fn for every pending slot from the read cursor to the write
// cursor, stopping early when fn returns false.
func (r *Ring) InFlight(fn func(Index, Slot) bool) {
	if r.pending == 0 {
		return
	}

	i := r.read
	for n := 0; n < r.pending; n++ {
		if !fn(i, r.slots[i]) {
			return
		}
		i = r.slots[i].next
	}
}

// Reset drops every slot. Command IDs keep increasing across resets so a stale
// acknowledgment never matches a later notification.
func (r *Ring) Reset() {
	r.slots = nil
	r.write = None
	r.read = None
	r.pending = 0
}

// State returns a snapshot of the ring
func (r *Ring) State() State {
	return State{
		Slots:       len(r.slots),
		Pending:     r.pending,
		Write:       r.write,
		Read:        r.read,
		NextCommand: r.lastCmd + 1,
	}
}
