package ring

import "github.com/ehrlich-b/go-fwspace/internal/uapi"

// Kind identifies the variant held by a slot
type Kind uint8

const (
	KindFree     Kind = iota // slot available for reuse
	KindIncoming             // inbound write staged in the queue buffer
	KindSkipped              // writes dropped for lack of room
	KindRead                 // inbound read waiting on the consumer
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindIncoming:
		return "write"
	case KindSkipped:
		return "skipped"
	case KindRead:
		return "read"
	default:
		return "unknown"
	}
}

// NotifyCode returns the wire code of the notification kind, and false for
// KindFree which is never notified
func (k Kind) NotifyCode() (uint8, bool) {
	switch k {
	case KindIncoming:
		return uapi.NOTIFY_WRITE, true
	case KindSkipped:
		return uapi.NOTIFY_SKIPPED, true
	case KindRead:
		return uapi.NOTIFY_READ, true
	default:
		return 0, false
	}
}

// KindFromNotifyCode is the inverse of NotifyCode
func KindFromNotifyCode(code uint8) (Kind, bool) {
	switch code {
	case uapi.NOTIFY_WRITE:
		return KindIncoming, true
	case uapi.NOTIFY_SKIPPED:
		return KindSkipped, true
	case uapi.NOTIFY_READ:
		return KindRead, true
	default:
		return KindFree, false
	}
}

// Descriptor is the state of one ring slot. The set of implementations is
// closed: Free, Incoming, Skipped and Read.
type Descriptor interface {
	Kind() Kind
	descriptor()
}

// Free marks a slot that carries no work
type Free struct{}

// Incoming records a write whose payload occupies [Offset, Offset+Length) of
// the queue buffer
type Incoming struct {
	Length    uint32
	Offset    uint32
	Node      uint16
	Speed     uint8
	Address   uapi.Address
	LockWrite bool
}

// Skipped records Count writes dropped while the queue buffer was full. Offset
// is the buffer tail at the time of the first drop.
type Skipped struct {
	Offset uint32
	Count  uint32
}

// Read records an inbound read that only the consumer can answer
type Read struct {
	Length  uint32
	Offset  uint32
	Node    uint16
	Speed   uint8
	Address uapi.Address
}

func (Free) Kind() Kind     { return KindFree }
func (Incoming) Kind() Kind { return KindIncoming }
func (Skipped) Kind() Kind  { return KindSkipped }
func (Read) Kind() Kind     { return KindRead }

func (Free) descriptor()     {}
func (Incoming) descriptor() {}
func (Skipped) descriptor()  {}
func (Read) descriptor()     {}

// Args builds the notification argument words for a descriptor carrying the
// given command ID. Free descriptors have no notification and yield Count 0.
func Args(d Descriptor, cmd uint32) uapi.Args {
	switch v := d.(type) {
	case Incoming:
		return uapi.WriteArgs(cmd, v.Length, v.Offset, v.Node, v.Speed, v.Address, v.LockWrite)
	case Skipped:
		return uapi.SkippedArgs(cmd, v.Count, v.Offset)
	case Read:
		return uapi.ReadArgs(cmd, v.Length, v.Offset, v.Node, v.Speed, v.Address)
	default:
		return uapi.Args{}
	}
}
