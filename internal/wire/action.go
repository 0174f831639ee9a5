package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ActionType identifies what an action does to the log once performed.
// The zero value means the record carries no action yet (a promise-only
// record written during phase one of a round).
type ActionType uint32

const (
	// ActionUnset marks a record that only holds a per-position promise.
	ActionUnset ActionType = 0
	// ActionNop fills a position with no effect. Used to plug holes so
	// readers are not blocked behind positions nobody wrote.
	ActionNop ActionType = 1
	// ActionAppend stores opaque client data at the position.
	ActionAppend ActionType = 2
	// ActionTruncate marks every position before TruncateTo as dead.
	ActionTruncate ActionType = 3
)

// String returns a human-readable action type name.
func (t ActionType) String() string {
	switch t {
	case ActionUnset:
		return "UNSET"
	case ActionNop:
		return "NOP"
	case ActionAppend:
		return "APPEND"
	case ActionTruncate:
		return "TRUNCATE"
	default:
		return fmt.Sprintf("ActionType(%d)", uint32(t))
	}
}

// Action is the durable record a replica keeps for one log position. It
// tracks the whole life of the position: the highest proposal promised, the
// proposal under which a value was performed (accepted), and whether the
// value has been learned (agreed by a quorum).
type Action struct {
	// Position in the log this record is about.
	Position uint64
	// Promised is the highest proposal number this replica has promised
	// for the position. Zero means no promise has been made.
	Promised uint64
	// Performed is the proposal under which the action body was accepted.
	// Nil until phase two succeeds at this replica.
	Performed *uint64
	// Learned is set once the action is known to be chosen. Nil means the
	// outcome of the position is still unknown here.
	Learned *bool

	// Type describes the action body. ActionUnset when the record is
	// promise-only.
	Type ActionType
	// Append holds the client data for ActionAppend.
	Append []byte
	// TruncateTo holds the target position for ActionTruncate.
	TruncateTo *uint64
}

// IsLearned reports whether the action is known to be chosen.
func (a *Action) IsLearned() bool {
	return a.Learned != nil && *a.Learned
}

// MarshalWire encodes the action.
func (a *Action) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint64Field(b, 1, a.Position)
	b = appendUint64Field(b, 2, a.Promised)
	b = appendOptionalUint64Field(b, 3, a.Performed)
	b = appendOptionalBoolField(b, 4, a.Learned)
	b = appendUint64Field(b, 5, uint64(a.Type))
	b = appendBytesField(b, 6, a.Append)
	b = appendOptionalUint64Field(b, 7, a.TruncateTo)
	return b, nil
}

// UnmarshalWire decodes the action, resetting the receiver first.
func (a *Action) UnmarshalWire(data []byte) error {
	*a = Action{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &a.Position)
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &a.Promised)
		},
		3: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalUint64(typ, d, &a.Performed)
		},
		4: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalBool(typ, d, &a.Learned)
		},
		5: func(typ protowire.Type, d []byte) (int, error) {
			var v uint64
			n, err := consumeUint64(typ, d, &v)
			a.Type = ActionType(v)
			return n, err
		},
		6: func(typ protowire.Type, d []byte) (int, error) {
			return consumeBytes(typ, d, &a.Append)
		},
		7: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalUint64(typ, d, &a.TruncateTo)
		},
	})
}

// Status describes where a replica is in its lifecycle.
type Status uint32

const (
	// StatusUnknown is the zero value, never persisted.
	StatusUnknown Status = 0
	// StatusEmpty means the replica has never participated in consensus.
	StatusEmpty Status = 1
	// StatusStarting means the replica is waiting for the rest of an
	// all-fresh cluster before auto-initializing.
	StatusStarting Status = 2
	// StatusRecovering means the replica is catching up from a voting
	// quorum and must not vote itself.
	StatusRecovering Status = 3
	// StatusVoting means the replica participates fully in consensus.
	StatusVoting Status = 4
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusStarting:
		return "STARTING"
	case StatusRecovering:
		return "RECOVERING"
	case StatusVoting:
		return "VOTING"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Metadata is the durable per-replica state that is not tied to a single
// position: the lifecycle status and the position-space promise made to a
// coordinator during election.
type Metadata struct {
	Status Status
	// Promised is the highest proposal promised for all future positions.
	Promised uint64
}

// MarshalWire encodes the metadata.
func (m *Metadata) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint64Field(b, 1, uint64(m.Status))
	b = appendUint64Field(b, 2, m.Promised)
	return b, nil
}

// UnmarshalWire decodes the metadata, resetting the receiver first.
func (m *Metadata) UnmarshalWire(data []byte) error {
	*m = Metadata{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			var v uint64
			n, err := consumeUint64(typ, d, &v)
			m.Status = Status(v)
			return n, err
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &m.Promised)
		},
	})
}
