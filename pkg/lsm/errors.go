package lsm

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) for detail;
// callers compare with errors.Is.
var (
	// ErrCorruptBlock indicates a data block failed to decode: truncated,
	// malformed length prefixes, or an offset pointing outside the data region.
	ErrCorruptBlock = errors.New("lsm: corrupt block")

	// ErrCorruptMeta indicates an SST's block-meta section failed its content
	// hash check or failed to decode.
	ErrCorruptMeta = errors.New("lsm: corrupt block meta")

	// ErrIO wraps an underlying filesystem failure (open/read/write/sync).
	ErrIO = errors.New("lsm: io error")

	// ErrInvariantViolation marks an internal invariant broken badly enough
	// that continuing would silently corrupt state; callers should treat it
	// as fatal to the engine instance.
	ErrInvariantViolation = errors.New("lsm: invariant violation")
)

// NotFound is not represented as an error: Get-style methods return
// (value, false, nil) when a key is absent or has been logically deleted.
