package fwspace

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-fwspace/internal/constants"
	"github.com/ehrlich-b/go-fwspace/internal/gate"
	"github.com/ehrlich-b/go-fwspace/internal/interfaces"
	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// Address is a 48-bit bus address
type Address = uapi.Address

// Args is the argument-word array delivered with a notification
type Args = uapi.Args

// Collaborator contracts
type (
	Buffer         = interfaces.Buffer
	Bus            = interfaces.Bus
	Session        = interfaces.Session
	Range          = interfaces.Range
	RequestContext = interfaces.RequestContext
	ReadHook       = interfaces.ReadHook
	WriteHook      = interfaces.WriteHook
)

// ResponseCode is the status returned to the bus layer for a transaction
type ResponseCode uint32

func (c ResponseCode) String() string {
	switch c {
	case RCodeComplete:
		return "complete"
	case RCodeConflictError:
		return "conflict error"
	case RCodeDataError:
		return "data error"
	case RCodeTypeError:
		return "type error"
	case RCodeAddressError:
		return "address error"
	default:
		return fmt.Sprintf("rcode(%d)", uint32(c))
	}
}

// Speed is the link speed a transaction arrived at
type Speed uint8

func (s Speed) String() string {
	if s > Speed3200 {
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
	return fmt.Sprintf("S%d", 100<<s)
}

// ChannelKind selects one of the three notification channels
type ChannelKind = ring.Kind

const (
	ChannelWrite   ChannelKind = ring.KindIncoming
	ChannelSkipped ChannelKind = ring.KindSkipped
	ChannelRead    ChannelKind = ring.KindRead
)

// Notification is delivered to the consumer for each descriptor, one at a
// time. Command must be passed back to Acknowledge.
type Notification = gate.Notification

// Notifier delivers notifications to the consumer. Notify runs with the
// address space locked: it must not block and must not call back into the
// address space.
type Notifier = gate.Notifier

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification) error

// Notify calls f(n)
func (f NotifierFunc) Notify(n Notification) error {
	return f(n)
}

// ErrChannelFull is returned by ChanNotifier when its buffer has no room
var ErrChannelFull = errors.New("notification channel full")

// ChanNotifier delivers notifications on a buffered channel without blocking
type ChanNotifier struct {
	C chan Notification
}

// NewChanNotifier creates a notifier with the given buffer depth. A
// non-positive depth selects DefaultChannelDepth.
func NewChanNotifier(depth int) *ChanNotifier {
	if depth <= 0 {
		depth = constants.DefaultChannelDepth
	}
	return &ChanNotifier{C: make(chan Notification, depth)}
}

// Notify implements Notifier
func (c *ChanNotifier) Notify(n Notification) error {
	select {
	case c.C <- n:
		return nil
	default:
		return ErrChannelFull
	}
}

// Logger is the logging surface an address space writes to
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
}

// TransactionLogger is an optional extension of Logger with structured
// events for the notification path. The internal zerolog logger has them.
type TransactionLogger interface {
	Notified(kind string, cmd uint32)
	Acknowledged(cmd uint32, latencyUs int64)
	Dropped(length int, count uint32)
}

// Compile-time interface checks
var (
	_ Notifier = NotifierFunc(nil)
	_ Notifier = (*ChanNotifier)(nil)
)
