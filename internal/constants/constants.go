package constants

// Default configuration constants
const (
	// DefaultQueueDepth is the default maximum number of in-flight
	// requests, which also sizes the completion slot pool.
	DefaultQueueDepth = 32

	// DefaultMaxBlockSize is the default largest single transfer in
	// bytes; the pinned buffer arena is sized MaxBlockSize * QueueDepth.
	DefaultMaxBlockSize = 64 * 1024

	// DefaultLogicalBlockSize is the assumed logical block size when a
	// driver does not report one.
	DefaultLogicalBlockSize = 512
)

// Well-known property names shared by engine and drivers.
const (
	PropCapacity           = "capacity"
	PropDirect             = "direct"
	PropReadOnly           = "read-only"
	PropNumQueues          = "num-queues"
	PropNumPollQueues      = "num-poll-queues"
	PropMemRegionAlignment = "mem-region-alignment"
)
