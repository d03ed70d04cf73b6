// Package uapi provides the wire-level definitions shared between the bus layer,
// the address space and its consumer: response codes, link speeds, 48-bit bus
// addresses and the argument-word layout of consumer notifications.
package uapi

// Response codes returned to the bus layer (IEEE 1394 rcode values)
const (
	RCODE_COMPLETE       = 0x0
	RCODE_CONFLICT_ERROR = 0x4
	RCODE_DATA_ERROR     = 0x5
	RCODE_TYPE_ERROR     = 0x6
	RCODE_ADDRESS_ERROR  = 0x7
)

// Link speeds
const (
	SPEED_100  = 0
	SPEED_200  = 1
	SPEED_400  = 2
	SPEED_800  = 3
	SPEED_1600 = 4
	SPEED_3200 = 5
)

// Notification kinds
const (
	NOTIFY_WRITE   = 0 // inbound write staged in the queue buffer
	NOTIFY_SKIPPED = 1 // one or more writes dropped for lack of room
	NOTIFY_READ    = 2 // inbound read needs a response from the consumer
)

// Argument word counts sent with each notification kind
const (
	WRITE_ARG_COUNT   = 8
	SKIPPED_ARG_COUNT = 2
	READ_ARG_COUNT    = 7

	// MAX_ARG_WORDS is the size of the argument array of every notification
	MAX_ARG_WORDS = 8
)

// Argument word indices. Words 1 and 2 are shared by all kinds: length/offset for
// writes and reads, skipped count/offset for skip records.
const (
	ARG_COMMAND_ID = 0
	ARG_LENGTH     = 1
	ARG_SKIP_COUNT = 1
	ARG_OFFSET     = 2
	ARG_NODE_ID    = 3
	ARG_SPEED      = 4
	ARG_ADDR_HI    = 5
	ARG_ADDR_LO    = 6
	ARG_LOCK_WRITE = 7
)

// ADDRESS_MASK limits addresses to the 48-bit 1394 register space
const ADDRESS_MASK = (1 << 48) - 1
