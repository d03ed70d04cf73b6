package interfaces

import "github.com/ehrlich-b/go-fwspace/internal/uapi"

// RequestContext is the opaque per-transaction handle the bus layer passes to
// the read and write hooks. Only the bus layer interprets it.
type RequestContext any

// WriteHook is invoked by the bus layer for every inbound write to a
// registered range. It must return promptly with a response code.
type WriteHook func(node uint16, speed uint8, addr uapi.Address, payload []byte, req RequestContext) uint32

// ReadHook is invoked by the bus layer for every inbound read of a registered
// range. When it answers synchronously it returns the buffer and the offset
// inside it holding the response bytes.
type ReadHook func(node uint16, speed uint8, addr uapi.Address, length uint32, req RequestContext) (rcode uint32, buf Buffer, offset int64)

// Range is a registered slice of the bus address space.
type Range struct {
	Base   uapi.Address
	Length uint32
}

// Contains reports whether [addr, addr+length) lies inside the range.
func (r Range) Contains(addr uapi.Address, length uint32) bool {
	off, ok := addr.Sub(r.Base)
	if !ok {
		return false
	}
	return off+uint64(length) <= uint64(r.Length)
}

// Bus is the privileged transaction layer that owns address-range allocation.
type Bus interface {
	// AllocateAddressSpace registers the range and the hooks that serve it.
	AllocateAddressSpace(r Range, reader ReadHook, writer WriteHook) error

	// DeallocateAddressSpace removes a previously registered range. After it
	// returns the hooks are no longer invoked for that range.
	DeallocateAddressSpace(r Range)

	// IsLockRequest reports whether the transaction behind req is a lock
	// (compare-swap) request rather than a plain write.
	IsLockRequest(req RequestContext) bool
}

// Session is the consumer's handle, held by the address space for its whole
// lifetime and released exactly once at teardown.
type Session interface {
	// ID identifies the session in logs.
	ID() string

	// Release drops the address space's hold on the session.
	Release()
}
