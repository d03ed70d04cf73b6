package uapi

import "fmt"

// Address is a 48-bit bus address split the way the bus layer delivers it.
//
//	struct FWAddress {
//	  UInt16 nodeID;     // not part of the register offset
//	  UInt16 addressHi;  // upper 16 bits
//	  UInt32 addressLo;  // lower 32 bits
//	};
type Address struct {
	Hi uint16
	Lo uint32
}

// AddressFromUint64 builds an Address from a flat 48-bit offset.
func AddressFromUint64(v uint64) Address {
	v &= ADDRESS_MASK
	return Address{Hi: uint16(v >> 32), Lo: uint32(v)}
}

// Uint64 returns the flat 48-bit offset.
func (a Address) Uint64() uint64 {
	return uint64(a.Hi)<<32 | uint64(a.Lo)
}

// Add returns the address n bytes past a, wrapping within 48 bits.
func (a Address) Add(n uint64) Address {
	return AddressFromUint64(a.Uint64() + n)
}

// Sub returns the byte distance from base to a. ok is false when a lies below base.
func (a Address) Sub(base Address) (uint64, bool) {
	av, bv := a.Uint64(), base.Uint64()
	if av < bv {
		return 0, false
	}
	return av - bv, true
}

func (a Address) String() string {
	return fmt.Sprintf("%04x.%08x", a.Hi, a.Lo)
}

// Args is the fixed argument array delivered with a notification. Count says
// how many leading words are meaningful for the notification kind.
type Args struct {
	Words [MAX_ARG_WORDS]uint32
	Count int
}

// Slice returns the meaningful words.
func (a *Args) Slice() []uint32 {
	return a.Words[:a.Count]
}

// CommandID returns word 0.
func (a *Args) CommandID() uint32 {
	return a.Words[ARG_COMMAND_ID]
}

// WriteArgs lays out the words of an incoming-write notification.
func WriteArgs(cmd, length, offset uint32, node uint16, speed uint8, addr Address, lock bool) Args {
	a := Args{Count: WRITE_ARG_COUNT}
	a.Words[ARG_COMMAND_ID] = cmd
	a.Words[ARG_LENGTH] = length
	a.Words[ARG_OFFSET] = offset
	a.Words[ARG_NODE_ID] = uint32(node)
	a.Words[ARG_SPEED] = uint32(speed)
	a.Words[ARG_ADDR_HI] = uint32(addr.Hi)
	a.Words[ARG_ADDR_LO] = addr.Lo
	if lock {
		a.Words[ARG_LOCK_WRITE] = 1
	}
	return a
}

// SkippedArgs lays out the words of a skipped-write notification. The offset
// word is filled for diagnostics but not counted.
func SkippedArgs(cmd, count, offset uint32) Args {
	a := Args{Count: SKIPPED_ARG_COUNT}
	a.Words[ARG_COMMAND_ID] = cmd
	a.Words[ARG_SKIP_COUNT] = count
	a.Words[ARG_OFFSET] = offset
	return a
}

// ReadArgs lays out the words of a read notification.
func ReadArgs(cmd, length, offset uint32, node uint16, speed uint8, addr Address) Args {
	a := Args{Count: READ_ARG_COUNT}
	a.Words[ARG_COMMAND_ID] = cmd
	a.Words[ARG_LENGTH] = length
	a.Words[ARG_OFFSET] = offset
	a.Words[ARG_NODE_ID] = uint32(node)
	a.Words[ARG_SPEED] = uint32(speed)
	a.Words[ARG_ADDR_HI] = uint32(addr.Hi)
	a.Words[ARG_ADDR_LO] = addr.Lo
	return a
}
