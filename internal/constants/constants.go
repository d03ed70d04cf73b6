package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueBufferSize is the default size of the packet queue buffer in bytes
	DefaultQueueBufferSize = 64 * 1024

	// DefaultMaxSlots bounds how many descriptor slots one ring may grow to
	DefaultMaxSlots = 1024

	// DefaultChannelDepth is the buffer size of a ChanNotifier. One outstanding
	// notification at a time means a single slot never blocks.
	DefaultChannelDepth = 1

	// DefaultAckTimeout of zero waits for the consumer forever
	DefaultAckTimeout = 0

	// MaxAsyncPayload is the largest asynchronous write payload at S3200 (bytes)
	MaxAsyncPayload = 4096
)

// SimTrafficInterval is the default pause between simulated bus transactions
const SimTrafficInterval = 100 * time.Microsecond
