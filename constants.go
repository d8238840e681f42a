package blkio

import "github.com/ehrlich-b/go-blkio/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultMaxBlockSize     = constants.DefaultMaxBlockSize
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
)
