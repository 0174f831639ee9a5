package wire

import "google.golang.org/protobuf/encoding/protowire"

// PromiseRequest asks a replica to promise a proposal. When Position is nil
// the promise is implicit: it covers every position at and beyond the
// replica's end of log (the election phase). When Position is set the
// promise is explicit, covering that single position (the fill phase).
type PromiseRequest struct {
	Proposal uint64
	Position *uint64
}

func (r *PromiseRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint64Field(b, 1, r.Proposal)
	b = appendOptionalUint64Field(b, 2, r.Position)
	return b, nil
}

func (r *PromiseRequest) UnmarshalWire(data []byte) error {
	*r = PromiseRequest{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Proposal)
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalUint64(typ, d, &r.Position)
		},
	})
}

// PromiseResponse answers a PromiseRequest. On a rejected promise, Proposal
// carries the higher proposal the replica has already promised, so the
// coordinator can bump past it. On an accepted implicit promise, Position
// carries the replica's ending position. On an accepted explicit promise,
// Action carries the previously performed action at the position, if any.
type PromiseResponse struct {
	Okay     bool
	Proposal uint64
	Position *uint64
	Action   *Action
}

func (r *PromiseResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBoolField(b, 1, r.Okay)
	b = appendUint64Field(b, 2, r.Proposal)
	b = appendOptionalUint64Field(b, 3, r.Position)
	var err error
	if r.Action != nil {
		b, err = appendMessageField(b, 4, r.Action)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (r *PromiseResponse) UnmarshalWire(data []byte) error {
	*r = PromiseResponse{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			return consumeBool(typ, d, &r.Okay)
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Proposal)
		},
		3: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalUint64(typ, d, &r.Position)
		},
		4: func(typ protowire.Type, d []byte) (int, error) {
			r.Action = &Action{}
			return consumeMessage(typ, d, r.Action)
		},
	})
}

// WriteRequest asks a replica to accept an action at a position under a
// proposal (phase two of a round).
type WriteRequest struct {
	Proposal uint64
	Position uint64

	Type       ActionType
	Append     []byte
	TruncateTo *uint64
}

// ToAction converts the request into the record a replica persists when it
// accepts the write.
func (r *WriteRequest) ToAction() *Action {
	proposal := r.Proposal
	return &Action{
		Position:   r.Position,
		Promised:   r.Proposal,
		Performed:  &proposal,
		Type:       r.Type,
		Append:     r.Append,
		TruncateTo: r.TruncateTo,
	}
}

func (r *WriteRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint64Field(b, 1, r.Proposal)
	b = appendUint64Field(b, 2, r.Position)
	b = appendUint64Field(b, 3, uint64(r.Type))
	b = appendBytesField(b, 4, r.Append)
	b = appendOptionalUint64Field(b, 5, r.TruncateTo)
	return b, nil
}

func (r *WriteRequest) UnmarshalWire(data []byte) error {
	*r = WriteRequest{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Proposal)
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Position)
		},
		3: func(typ protowire.Type, d []byte) (int, error) {
			var v uint64
			n, err := consumeUint64(typ, d, &v)
			r.Type = ActionType(v)
			return n, err
		},
		4: func(typ protowire.Type, d []byte) (int, error) {
			return consumeBytes(typ, d, &r.Append)
		},
		5: func(typ protowire.Type, d []byte) (int, error) {
			return consumeOptionalUint64(typ, d, &r.TruncateTo)
		},
	})
}

// WriteResponse answers a WriteRequest. On rejection, Proposal carries the
// higher promise that blocked the write.
type WriteResponse struct {
	Okay     bool
	Proposal uint64
	Position uint64
}

func (r *WriteResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBoolField(b, 1, r.Okay)
	b = appendUint64Field(b, 2, r.Proposal)
	b = appendUint64Field(b, 3, r.Position)
	return b, nil
}

func (r *WriteResponse) UnmarshalWire(data []byte) error {
	*r = WriteResponse{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			return consumeBool(typ, d, &r.Okay)
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Proposal)
		},
		3: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Position)
		},
	})
}

// LearnedMessage announces that an action has been chosen. Replicas apply
// it unconditionally, regardless of status.
type LearnedMessage struct {
	Action *Action
}

func (m *LearnedMessage) MarshalWire() ([]byte, error) {
	var b []byte
	var err error
	if m.Action != nil {
		b, err = appendMessageField(b, 1, m.Action)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (m *LearnedMessage) UnmarshalWire(data []byte) error {
	*m = LearnedMessage{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			m.Action = &Action{}
			return consumeMessage(typ, d, m.Action)
		},
	})
}

// LearnedResponse acknowledges a LearnedMessage. It carries nothing.
type LearnedResponse struct{}

func (r *LearnedResponse) MarshalWire() ([]byte, error) { return nil, nil }

func (r *LearnedResponse) UnmarshalWire(data []byte) error {
	*r = LearnedResponse{}
	return walkFields(data, nil)
}

// RecoverRequest asks a replica for its status and log range. Replicas
// answer regardless of status, which is what lets a fresh cluster discover
// that nobody is voting yet.
type RecoverRequest struct{}

func (r *RecoverRequest) MarshalWire() ([]byte, error) { return nil, nil }

func (r *RecoverRequest) UnmarshalWire(data []byte) error {
	*r = RecoverRequest{}
	return walkFields(data, nil)
}

// RecoverResponse reports a replica's status and the range of positions it
// holds.
type RecoverResponse struct {
	Status Status
	Begin  uint64
	End    uint64
}

func (r *RecoverResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint64Field(b, 1, uint64(r.Status))
	b = appendUint64Field(b, 2, r.Begin)
	b = appendUint64Field(b, 3, r.End)
	return b, nil
}

func (r *RecoverResponse) UnmarshalWire(data []byte) error {
	*r = RecoverResponse{}
	return walkFields(data, map[protowire.Number]fieldHandler{
		1: func(typ protowire.Type, d []byte) (int, error) {
			var v uint64
			n, err := consumeUint64(typ, d, &v)
			r.Status = Status(v)
			return n, err
		},
		2: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.Begin)
		},
		3: func(typ protowire.Type, d []byte) (int, error) {
			return consumeUint64(typ, d, &r.End)
		},
	})
}
