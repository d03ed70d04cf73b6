// Package gate implements the notification gate: at most one notification is
// outstanding at a time, and the next one is only offered once the consumer
// acknowledges the previous. The gate always offers the oldest pending slot of
// the ring, so the consumer sees descriptors in arrival order.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

var (
	// ErrNoOutstanding is returned when an acknowledgment arrives while Idle
	ErrNoOutstanding = errors.New("no notification outstanding")

	// ErrCommandMismatch is returned when an acknowledgment names a command
	// other than the one in flight
	ErrCommandMismatch = errors.New("acknowledged command does not match")

	// ErrNoChannel is returned by Drain when the head's kind has no channel
	ErrNoChannel = errors.New("no notification channel registered")

	// ErrInvalidKind is returned when registering a channel for KindFree
	ErrInvalidKind = errors.New("invalid notification kind")
)

// Notification is what a consumer receives for one ring slot
type Notification struct {
	Kind    ring.Kind
	Command uint32
	Args    uapi.Args
	RefCon  uint64
}

// Notifier delivers notifications to the consumer. Notify is called with the
// address space locked and must not block.
type Notifier interface {
	Notify(n Notification) error
}

// Outstanding describes the notification in flight while Busy
type Outstanding struct {
	Slot    ring.Index
	Command uint32
	Kind    ring.Kind
	FiredAt time.Time
}

// Gate is the Idle/Busy state machine. It is not safe for concurrent use.
type Gate struct {
	channels [ring.KindRead + 1]Notifier
	busy     bool
	out      Outstanding
	refCon   uint64

	// now is swapped out in tests
	now func() time.Time
}

// New creates an Idle gate that stamps refCon on every notification
func New(refCon uint64) *Gate {
	return &Gate{refCon: refCon, now: time.Now}
}

func validKind(kind ring.Kind) bool {
	return kind > ring.KindFree && kind <= ring.KindRead
}

// SetChannel registers n for kind, replacing any previous channel. A nil n
// unregisters the kind.
func (g *Gate) SetChannel(kind ring.Kind, n Notifier) error {
	if !validKind(kind) {
		return fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	g.channels[kind] = n
	return nil
}

// Channel returns the notifier registered for kind, or nil
func (g *Gate) Channel(kind ring.Kind) Notifier {
	if !validKind(kind) {
		return nil
	}
	return g.channels[kind]
}

// Busy reports whether a notification is outstanding
func (g *Gate) Busy() bool {
	return g.busy
}

// Outstanding returns the in-flight notification, if any
func (g *Gate) Outstanding() (Outstanding, bool) {
	return g.out, g.busy
}

// InFlightSlot returns the slot whose notification is outstanding, or
// ring.None when Idle
func (g *Gate) InFlightSlot() ring.Index {
	if !g.busy {
		return ring.None
	}
	return g.out.Slot
}

// Drain offers the ring head to its channel if the gate is Idle. fired is
// true when a notification went out and the gate is now Busy. A nil error
// with fired false means there was nothing to do. ErrNoChannel and Notify
// failures leave the gate Idle with the head still pending.
func (g *Gate) Drain(r *ring.Ring) (n Notification, fired bool, err error) {
	if g.busy {
		return Notification{}, false, nil
	}

	idx, slot, ok := r.Head()
	if !ok {
		return Notification{}, false, nil
	}

	kind := slot.Desc.Kind()
	ch := g.channels[kind]
	if ch == nil {
		return Notification{}, false, fmt.Errorf("%w: %s", ErrNoChannel, kind)
	}

	n = Notification{
		Kind:    kind,
		Command: slot.Command,
		Args:    ring.Args(slot.Desc, slot.Command),
		RefCon:  g.refCon,
	}
	if err := ch.Notify(n); err != nil {
		return Notification{}, false, fmt.Errorf("notify %s command %d: %w", kind, slot.Command, err)
	}

	g.busy = true
	g.out = Outstanding{
		Slot:    idx,
		Command: slot.Command,
		Kind:    kind,
		FiredAt: g.now(),
	}
	return n, true, nil
}

// Complete accepts the acknowledgment for cmd, releases the ring head and
// returns the Idle gate. It returns the released slot and how long the
// notification was outstanding. On error nothing changes.
func (g *Gate) Complete(r *ring.Ring, cmd uint32) (ring.Slot, time.Duration, error) {
	if !g.busy {
		return ring.Slot{}, 0, fmt.Errorf("%w: command %d", ErrNoOutstanding, cmd)
	}
	if cmd != g.out.Command {
		return ring.Slot{}, 0, fmt.Errorf("%w: got %d, outstanding %d", ErrCommandMismatch, cmd, g.out.Command)
	}

	slot, err := r.Release()
	if err != nil {
		return ring.Slot{}, 0, err
	}

	latency := g.now().Sub(g.out.FiredAt)
	g.busy = false
	g.out = Outstanding{}
	return slot, latency, nil
}

// Reset returns the gate to Idle without touching the ring. Registered
// channels are kept.
func (g *Gate) Reset() {
	g.busy = false
	g.out = Outstanding{}
}
