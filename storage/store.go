// Package storage implements the fixed-stride segmented VectorStore
// described in SPEC_FULL.md §4.1: a byte store keyed by a dense monotonic
// InternalId, segmented into 2^16-slot chunks, with mmap-backed and
// in-memory implementations behind a single interface.
package storage

import (
	"fmt"

	"github.com/hyperspacedb/hyperspace/internal/herr"
)

// ChunkSize is the number of stride-sized slots per segment (2^16), per
// SPEC_FULL.md §4.1.
const ChunkSize = 1 << 16

// Store is the interface both the mmap-backed and in-memory VectorStore
// implementations satisfy. Storage position equals InternalId: slot i holds
// the bytes for id i.
type Store interface {
	// Append atomically reserves the next id and copies bytes into its slot.
	// Returns herr.ErrSizeMismatch if len(bytes) != Stride().
	Append(bytes []byte) (uint32, error)

	// Get returns the stride bytes stored at id. MmapStore returns a fresh
	// copy; MemStore returns its internal slot slice, which a later Update
	// of the same id overwrites in place.
	Get(id uint32) ([]byte, error)

	// Update overwrites the bytes at id in place.
	Update(id uint32, bytes []byte) error

	// Count returns the number of appended slots (live + tombstoned).
	Count() uint32

	// SetCount overrides the internal counter. Used only by snapshot
	// restore, per SPEC_FULL.md §4.4 (load sets storage's count so WAL
	// replay can skip records already covered).
	SetCount(n uint32)

	// Stride returns the fixed per-slot byte size.
	Stride() int

	// Export serializes the live prefix (first Count()*Stride() bytes) for
	// out-of-band transfer (full state transfer to a lagging follower).
	Export() []byte

	// Close releases underlying resources (files, mappings).
	Close() error
}

func checkStride(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d want %d", herr.ErrSizeMismatch, got, want)
	}
	return nil
}

// errOutOfBounds builds the programmer-error herr.ErrOutOfBounds, per
// SPEC_FULL.md §7 ("id >= count on get/update -> programmer error, fail
// loud").
func errOutOfBounds(id, count uint32) error {
	return fmt.Errorf("%w: id=%d count=%d", herr.ErrOutOfBounds, id, count)
}
