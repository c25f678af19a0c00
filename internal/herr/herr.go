// Package herr centralizes the sentinel errors shared across hyperspace's
// components, the same way the teacher's wal/types package centralizes
// ErrNotFound/ErrCorrupt/ErrSealed/ErrClosed for both the wal and segment
// packages.
package herr

import "errors"

var (
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the collection's configured dimension.
	ErrDimensionMismatch = errors.New("hyperspace: dimension mismatch")

	// ErrManifoldViolation is returned when a vector does not satisfy the
	// metric's manifold constraint (e.g. Poincaré ball norm, Lorentz
	// timelike condition).
	ErrManifoldViolation = errors.New("hyperspace: manifold violation")

	// ErrStorageFull is returned when a segment allocation fails.
	ErrStorageFull = errors.New("hyperspace: storage full")

	// ErrWALCorrupt marks a WAL payload as malformed. The WAL's payload
	// decoder returns it; Replay treats it as a defective tail and silently
	// truncates, so neither Replay nor Append returns it to callers.
	ErrWALCorrupt = errors.New("hyperspace: wal corrupt")

	// ErrSnapshotCorrupt is returned by snapshot load when the archive fails
	// validation.
	ErrSnapshotCorrupt = errors.New("hyperspace: snapshot corrupt")

	// ErrOutOfBounds marks a programmer error: an id at or beyond count.
	ErrOutOfBounds = errors.New("hyperspace: id out of bounds")

	// ErrClosed is returned by Append on a closed WAL.
	ErrClosed = errors.New("hyperspace: closed")

	// ErrSizeMismatch is returned when a byte slice passed to a fixed-stride
	// store does not match the configured stride.
	ErrSizeMismatch = errors.New("hyperspace: size mismatch")
)
