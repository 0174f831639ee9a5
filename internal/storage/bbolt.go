package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"replog/internal/wire"
)

var (
	// Bucket names
	actionsBucket  = []byte("actions")
	metadataBucket = []byte("metadata")

	// Metadata keys
	metadataKey = []byte("replica")

	// ErrNotFound is returned by Read when no record exists at the
	// requested position.
	ErrNotFound = errors.New("record not found")
)

// BboltDb is a bbolt-backed Storage. Records are keyed by their position as
// 8-byte big-endian integers so bucket order matches log order.
type BboltDb struct {
	conn *bbolt.DB
}

// NewBboltStorage opens (creating if needed) a bbolt-backed store at path.
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(actionsBucket); err != nil {
			return fmt.Errorf("failed to create actions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

// Restore scans the store and rebuilds the replica state. Begin and End come
// from the first and last keys; missing positions are records not yet
// learned plus any gap between consecutive keys.
func (b *BboltDb) Restore() (*State, error) {
	state := &State{
		Metadata: &wire.Metadata{Status: wire.StatusEmpty},
		Empty:    true,
	}

	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(metadataKey); data != nil {
			if err := state.Metadata.UnmarshalWire(data); err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		bucket := tx.Bucket(actionsBucket)
		cursor := bucket.Cursor()

		firstKey, _ := cursor.First()
		if firstKey == nil {
			return nil
		}
		state.Empty = false
		state.Begin = bytesToUint64(firstKey)

		lastKey, _ := cursor.Last()
		state.End = bytesToUint64(lastKey)

		prev := state.Begin
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			position := bytesToUint64(k)
			for gap := prev + 1; gap < position; gap++ {
				state.Missing = append(state.Missing, gap)
			}
			prev = position

			action := &wire.Action{}
			if err := action.UnmarshalWire(v); err != nil {
				return fmt.Errorf("failed to unmarshal record at position %d: %w", position, err)
			}
			if !action.IsLearned() {
				state.Missing = append(state.Missing, position)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Persist stores the record under its position. A learned truncate removes
// every record strictly below the truncate target in the same transaction,
// so the cost is bounded by records actually on disk, never by the size of
// the position gap being truncated across.
func (b *BboltDb) Persist(action *wire.Action) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(actionsBucket)

		data, err := action.MarshalWire()
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		key := uint64ToBytes(action.Position)
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		if action.IsLearned() && action.Type == wire.ActionTruncate && action.TruncateTo != nil {
			return deleteBelow(bucket, *action.TruncateTo)
		}
		return nil
	})
}

// deleteBelow removes every key strictly below the boundary. Keys are
// collected first; deleting under an open cursor invalidates its position.
func deleteBelow(bucket *bbolt.Bucket, boundary uint64) error {
	var dead [][]byte

	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
		if bytesToUint64(k) >= boundary {
			break
		}
		dead = append(dead, append([]byte(nil), k...))
	}

	for _, k := range dead {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PersistMetadata stores the replica metadata.
func (b *BboltDb) PersistMetadata(metadata *wire.Metadata) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)

		data, err := metadata.MarshalWire()
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		return bucket.Put(metadataKey, data)
	})
}

// Read returns the record at the position.
func (b *BboltDb) Read(position uint64) (*wire.Action, error) {
	var action *wire.Action
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(actionsBucket)
		data := bucket.Get(uint64ToBytes(position))

		if data == nil {
			return fmt.Errorf("position %d: %w", position, ErrNotFound)
		}

		action = &wire.Action{}
		if err := action.UnmarshalWire(data); err != nil {
			return fmt.Errorf("failed to unmarshal record at position %d: %w", position, err)
		}
		return nil
	})
	return action, err
}

// Close closes the storage connection
func (b *BboltDb) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
