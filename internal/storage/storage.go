// Package storage persists a replica's durable state: one record per log
// position plus the replica metadata.
package storage

import "replog/internal/wire"

// State is everything a replica reconstructs from disk on startup.
type State struct {
	// Metadata is the persisted lifecycle status and position-space
	// promise. Defaults to {EMPTY, 0} on a fresh store.
	Metadata *wire.Metadata
	// Begin is the first position still held (positions below it were
	// truncated away). Zero on a fresh store.
	Begin uint64
	// End is the last position a record exists for. Zero on a fresh store.
	End uint64
	// Empty is true when no records exist at all, which is the only way
	// to tell a fresh store from one holding a single record at zero.
	Empty bool
	// Missing lists positions in [Begin, End] whose outcome is unknown:
	// records not yet learned plus gaps with no record at all.
	Missing []uint64
}

// Storage is the durable backing of a replica.
type Storage interface {
	// Restore reads the full state back from disk.
	Restore() (*State, error)
	// Persist durably stores the record for its position. If the action
	// is a learned truncate, records strictly below its target are
	// removed in the same transaction.
	Persist(action *wire.Action) error
	// PersistMetadata durably stores the replica metadata.
	PersistMetadata(metadata *wire.Metadata) error
	// Read returns the record at the position, or an error if none
	// exists.
	Read(position uint64) (*wire.Action, error)
	// Close releases the underlying store.
	Close() error
}
