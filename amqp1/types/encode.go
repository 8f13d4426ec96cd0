// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder appends AMQP 1.0 typed values to a growable buffer. The zero
// value is ready to use. Primitive writes cannot fail; only Any and the
// map helpers return errors, for values with no AMQP representation.
//
// Compound values are built bottom-up: encode the fields or pairs into
// their own Encoder, then frame them with List or Map.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded buffer. The slice aliases the encoder's
// storage; it is valid until the next write.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Reset empties the buffer, retaining capacity.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) u64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// Null appends a null value.
func (e *Encoder) Null() {
	e.buf = append(e.buf, TypeNull)
}

// Bool appends a boolean using the compact true/false constructors.
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, TypeBoolTrue)
	} else {
		e.buf = append(e.buf, TypeBoolFalse)
	}
}

// Ubyte appends an unsigned byte.
func (e *Encoder) Ubyte(v uint8) {
	e.buf = append(e.buf, TypeUbyte, v)
}

// Ushort appends an unsigned 16-bit integer.
func (e *Encoder) Ushort(v uint16) {
	e.buf = append(e.buf, TypeUshort)
	e.u16(v)
}

// Uint appends an unsigned 32-bit integer, using the zero and one-byte
// forms where they fit.
func (e *Encoder) Uint(v uint32) {
	switch {
	case v == 0:
		e.buf = append(e.buf, TypeUint0)
	case v <= 255:
		e.buf = append(e.buf, TypeUintSmall, byte(v))
	default:
		e.buf = append(e.buf, TypeUint)
		e.u32(v)
	}
}

// Ulong appends an unsigned 64-bit integer, using the zero and one-byte
// forms where they fit.
func (e *Encoder) Ulong(v uint64) {
	switch {
	case v == 0:
		e.buf = append(e.buf, TypeUlong0)
	case v <= 255:
		e.buf = append(e.buf, TypeUlongSmall, byte(v))
	default:
		e.buf = append(e.buf, TypeUlong)
		e.u64(v)
	}
}

// Byte appends a signed byte.
func (e *Encoder) Byte(v int8) {
	e.buf = append(e.buf, TypeByte, byte(v))
}

// Short appends a signed 16-bit integer.
func (e *Encoder) Short(v int16) {
	e.buf = append(e.buf, TypeShort)
	e.u16(uint16(v))
}

// Int appends a signed 32-bit integer, one-byte form where it fits.
func (e *Encoder) Int(v int32) {
	if v >= -128 && v <= 127 {
		e.buf = append(e.buf, TypeIntSmall, byte(v))
		return
	}
	e.buf = append(e.buf, TypeInt)
	e.u32(uint32(v))
}

// Long appends a signed 64-bit integer, one-byte form where it fits.
func (e *Encoder) Long(v int64) {
	if v >= -128 && v <= 127 {
		e.buf = append(e.buf, TypeLongSmall, byte(v))
		return
	}
	e.buf = append(e.buf, TypeLong)
	e.u64(uint64(v))
}

// Float appends a 32-bit IEEE 754 float.
func (e *Encoder) Float(v float32) {
	e.buf = append(e.buf, TypeFloat)
	e.u32(math.Float32bits(v))
}

// Double appends a 64-bit IEEE 754 double.
func (e *Encoder) Double(v float64) {
	e.buf = append(e.buf, TypeDouble)
	e.u64(math.Float64bits(v))
}

// Timestamp appends a timestamp as milliseconds since the Unix epoch.
func (e *Encoder) Timestamp(v Timestamp) {
	e.buf = append(e.buf, TypeTimestamp)
	e.u64(uint64(v.Milliseconds()))
}

// UUID appends a 16-byte UUID.
func (e *Encoder) UUID(v UUID) {
	e.buf = append(e.buf, TypeUUID)
	e.buf = append(e.buf, v[:]...)
}

// Binary appends a binary value, short form when it fits.
func (e *Encoder) Binary(v []byte) {
	if len(v) <= 255 {
		e.buf = append(e.buf, TypeBinaryShort, byte(len(v)))
	} else {
		e.buf = append(e.buf, TypeBinaryLong)
		e.u32(uint32(len(v)))
	}
	e.buf = append(e.buf, v...)
}

// String appends a UTF-8 string, short form when it fits.
func (e *Encoder) String(v string) {
	if len(v) <= 255 {
		e.buf = append(e.buf, TypeStringShort, byte(len(v)))
	} else {
		e.buf = append(e.buf, TypeStringLong)
		e.u32(uint32(len(v)))
	}
	e.buf = append(e.buf, v...)
}

// Symbol appends a symbolic value, short form when it fits.
func (e *Encoder) Symbol(v Symbol) {
	if len(v) <= 255 {
		e.buf = append(e.buf, TypeSymbolShort, byte(len(v)))
	} else {
		e.buf = append(e.buf, TypeSymbolLong)
		e.u32(uint32(len(v)))
	}
	e.buf = append(e.buf, v...)
}

// Descriptor appends a described-type constructor with a ulong code.
// The described value must follow.
func (e *Encoder) Descriptor(code uint64) {
	e.buf = append(e.buf, TypeDescriptor)
	e.Ulong(code)
}

// List frames previously encoded fields as a list of count items. An
// empty list uses the zero-length constructor.
func (e *Encoder) List(fields *Encoder, count int) {
	if count == 0 && fields.Len() == 0 {
		e.buf = append(e.buf, TypeList0)
		return
	}
	// list32: size includes the count word
	e.buf = append(e.buf, TypeList32)
	e.u32(uint32(fields.Len()) + 4)
	e.u32(uint32(count))
	e.buf = append(e.buf, fields.buf...)
}

// Map frames previously encoded key/value pairs as a map of count
// entries.
func (e *Encoder) Map(pairs *Encoder, count int) {
	// map32: the count word is part of the size, and counts items, not
	// pairs
	e.buf = append(e.buf, TypeMap32)
	e.u32(uint32(pairs.Len()) + 4)
	e.u32(uint32(count * 2))
	e.buf = append(e.buf, pairs.buf...)
}

// Any appends a Go value as the corresponding AMQP type. Values outside
// the scalar set (nested maps, slices, structs) are rejected; callers
// decide whether that is an error or a skip.
func (e *Encoder) Any(v any) error {
	switch val := v.(type) {
	case nil:
		e.Null()
	case bool:
		e.Bool(val)
	case uint8:
		e.Ubyte(val)
	case uint16:
		e.Ushort(val)
	case uint32:
		e.Uint(val)
	case uint64:
		e.Ulong(val)
	case int8:
		e.Byte(val)
	case int16:
		e.Short(val)
	case int32:
		e.Int(val)
	case int64:
		e.Long(val)
	case int:
		e.Long(int64(val))
	case float32:
		e.Float(val)
	case float64:
		e.Double(val)
	case string:
		e.String(val)
	case Symbol:
		e.Symbol(val)
	case []byte:
		e.Binary(val)
	case UUID:
		e.UUID(val)
	case Timestamp:
		e.Timestamp(val)
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
	return nil
}

// StringMap appends a string-keyed map. This is the wire form of
// application-properties and of the queue argument tables this broker
// carries on its messages.
func (e *Encoder) StringMap(m map[string]any) error {
	var pairs Encoder
	for k, v := range m {
		pairs.String(k)
		if err := pairs.Any(v); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	e.Map(&pairs, len(m))
	return nil
}

// SymbolMap appends a symbol-keyed map, the wire form of the annotation
// and footer sections.
func (e *Encoder) SymbolMap(m map[Symbol]any) error {
	var pairs Encoder
	for k, v := range m {
		pairs.Symbol(k)
		if err := pairs.Any(v); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	e.Map(&pairs, len(m))
	return nil
}
