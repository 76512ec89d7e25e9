// Package common holds sentinel errors and small shared types used by the
// btree package. Keeping them here, rather than inside btree, lets callers
// depend on error identity without importing the engine internals.
package common

import "errors"

var (
	// Page-level errors (§7).
	ErrInvalidLink     = errors.New("pagetree: invalid page link")
	ErrInvalidIndex    = errors.New("pagetree: invalid page index")
	ErrInvalidKeySize  = errors.New("pagetree: invalid key size")
	ErrInvalidValueSize = errors.New("pagetree: invalid value size")
	ErrOverflow        = errors.New("pagetree: page overflow")

	// Tree-level errors.
	ErrMaxDepthExceeded = errors.New("pagetree: max depth exceeded")
	ErrNotFound         = errors.New("pagetree: key not found")

	// Pool consistency errors.
	ErrDoubleFree = errors.New("pagetree: double free")
	ErrFreeNull   = errors.New("pagetree: free of null link")
	ErrFreeFreed  = errors.New("pagetree: free of already-free page")
	ErrOutOfMemory = errors.New("pagetree: pool out of memory")

	// Persistence errors.
	ErrCorruption = errors.New("pagetree: persistent pool corruption")
	ErrClosed     = errors.New("pagetree: pool closed")

	// Forest errors.
	ErrInForest = errors.New("pagetree: operation forbidden on a tree owned by a forest")

	// StreamingTree errors.
	ErrConcurrentAccess  = errors.New("pagetree: concurrent reader/writer access")
	ErrMaxChunksExceeded = errors.New("pagetree: chunk sequence number exhausted")
)
