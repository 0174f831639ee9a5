// Package wire defines the records and RPC messages exchanged between
// replicas, along with their binary encoding.
//
// Records are encoded as protobuf wire format via encoding/protowire with a
// hand-maintained, append-only field schema. Field numbers are fixed forever;
// decoders skip unknown fields, so nodes running different versions of the
// schema interoperate as long as fields are only ever added.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every record and RPC message in the protocol.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

// appendUint64Field appends a varint field, omitting zero values. Scalar
// fields in this schema treat zero as absent.
func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendOptionalUint64Field appends a varint field whenever the pointer is
// set, including an explicit zero. Absence of the field means nil.
func appendOptionalUint64Field(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

func appendOptionalBoolField(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	var u uint64
	if *v {
		u = 1
	}
	return protowire.AppendVarint(b, u)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessageField marshals a nested message and appends it as a
// length-delimited field.
func appendMessageField(b []byte, num protowire.Number, m Message) ([]byte, error) {
	if m == nil {
		return b, nil
	}
	nested, err := m.MarshalWire()
	if err != nil {
		return nil, fmt.Errorf("marshaling field %d: %w", num, err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nested), nil
}

// fieldHandler consumes the payload of a single known field. The walker
// passes the remaining buffer and expects the consumed byte count back.
type fieldHandler func(typ protowire.Type, data []byte) (int, error)

// walkFields decodes a wire-format buffer, dispatching known field numbers
// to handlers and skipping everything else.
func walkFields(data []byte, handlers map[protowire.Number]fieldHandler) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("consuming tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if h, ok := handlers[num]; ok {
			consumed, err := h(typ, data)
			if err != nil {
				return fmt.Errorf("field %d: %w", num, err)
			}
			data = data[consumed:]
			continue
		}

		// Unknown field, skip it. Old nodes must tolerate new fields.
		consumed := protowire.ConsumeFieldValue(num, typ, data)
		if consumed < 0 {
			return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(consumed))
		}
		data = data[consumed:]
	}
	return nil
}

func consumeUint64(typ protowire.Type, data []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %v for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeOptionalUint64(typ protowire.Type, data []byte, dst **uint64) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, data, &v)
	if err != nil {
		return 0, err
	}
	*dst = &v
	return n, nil
}

func consumeBool(typ protowire.Type, data []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeUint64(typ, data, &v)
	if err != nil {
		return 0, err
	}
	*dst = v != 0
	return n, nil
}

func consumeOptionalBool(typ protowire.Type, data []byte, dst **bool) (int, error) {
	var v bool
	n, err := consumeBool(typ, data, &v)
	if err != nil {
		return 0, err
	}
	*dst = &v
	return n, nil
}

func consumeBytes(typ protowire.Type, data []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %v for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	// Copy out of the shared buffer so callers can retain the slice.
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeMessage(typ protowire.Type, data []byte, dst Message) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %v for message field", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := dst.UnmarshalWire(v); err != nil {
		return 0, err
	}
	return n, nil
}
