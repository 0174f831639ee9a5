// Package tool holds offline maintenance operations that run against a
// replica's storage while no daemon is using it.
package tool

import (
	"fmt"

	"replog/internal/logging"
	"replog/internal/storage"
	"replog/internal/wire"
)

// Initialize marks the replica at path as a voting member of the group.
// It is the offline alternative to auto-initialization: run it once on
// every member before the first start, with all daemons stopped.
//
// Initializing an already-voting replica is a no-op, so the tool is safe
// to re-run. The promise the replica has given, if any, is preserved.
func Initialize(path string, log logging.Logger) error {
	if log == nil {
		log = &logging.NopLogger{}
	}

	store, err := storage.NewBboltStorage(path)
	if err != nil {
		return fmt.Errorf("opening storage at %s: %w", path, err)
	}
	defer store.Close()

	state, err := store.Restore()
	if err != nil {
		return fmt.Errorf("restoring state from %s: %w", path, err)
	}

	if state.Metadata.Status == wire.StatusVoting {
		log.Infof("replica at %s is already voting", path)
		return nil
	}

	meta := &wire.Metadata{
		Status:   wire.StatusVoting,
		Promised: state.Metadata.Promised,
	}
	if err := store.PersistMetadata(meta); err != nil {
		return fmt.Errorf("persisting voting status: %w", err)
	}

	log.Infof("replica at %s initialized to voting status", path)
	return nil
}
