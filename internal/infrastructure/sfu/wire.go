package sfu

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends proto3 fields; zero scalars are omitted.
type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) enum(num protowire.Number, v int64) {
	e.varint(num, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.varint(num, 1)
	}
}

func (e *encoder) float(num protowire.Number, v float32) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, math.Float32bits(v))
}

// message always writes the field so empty oneof members stay present.
func (e *encoder) message(num protowire.Number, m []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, m)
}

func (e *encoder) packed(num protowire.Number, vs []uint64) {
	if len(vs) == 0 {
		return
	}
	var inner []byte
	for _, v := range vs {
		inner = protowire.AppendVarint(inner, v)
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner)
}

type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	bytes   []byte
	fixed32 uint32
}

func (f field) str() string     { return string(f.bytes) }
func (f field) flag() bool      { return f.varint != 0 }
func (f field) f32() float32    { return math.Float32frombits(f.fixed32) }
func (f field) u32() uint32     { return uint32(f.varint) }
func (f field) i32() int32      { return int32(f.varint) }
func (f field) isBytes() bool   { return f.typ == protowire.BytesType }
func (f field) isVarint() bool  { return f.typ == protowire.VarintType }
func (f field) isFixed32() bool { return f.typ == protowire.Fixed32Type }

// varints returns the values of a repeated scalar, packed or not.
func (f field) varints() ([]uint64, error) {
	if f.isVarint() {
		return []uint64{f.varint}, nil
	}
	var out []uint64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// walk calls fn for every field of b, skipping unknown wire types.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
