// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message implements the AMQP 1.0 message sections: header,
// annotations, properties, application-properties, data and footer.
package message

import (
	"fmt"

	"github.com/xiangwangcheng/qpid/amqp1/types"
)

// Message section descriptors.
const (
	DescriptorHeader                uint64 = 0x70
	DescriptorDeliveryAnnotations   uint64 = 0x71
	DescriptorMessageAnnotations    uint64 = 0x72
	DescriptorProperties            uint64 = 0x73
	DescriptorApplicationProperties uint64 = 0x74
	DescriptorData                  uint64 = 0x75
	DescriptorAMQPSequence          uint64 = 0x76
	DescriptorAMQPValue             uint64 = 0x77
	DescriptorFooter                uint64 = 0x78
)

// Header section.
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds, 0 = no TTL
	FirstAcquirer bool
	DeliveryCount uint32
}

// Equal reports whether two headers carry the same field values.
func (h Header) Equal(other Header) bool {
	return h == other
}

// Properties section.
type Properties struct {
	MessageID          any // string, uint64, UUID, or binary
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        types.Symbol
	ContentEncoding    types.Symbol
	AbsoluteExpiryTime types.Timestamp
	CreationTime       types.Timestamp
	GroupID            string
	GroupSequence      uint32
	HasGroupSequence   bool
	ReplyToGroupID     string
}

// Message represents an AMQP 1.0 message with optional sections.
type Message struct {
	Header                *Header
	DeliveryAnnotations   map[types.Symbol]any
	MessageAnnotations    map[types.Symbol]any
	Properties            *Properties
	ApplicationProperties map[string]any
	Data                  [][]byte // one or more data sections
	Value                 any      // amqp-value section (mutually exclusive with Data)
	Footer                map[types.Symbol]any
}

// Encode serializes the message into wire form: the present sections in
// standard order, each as a described value.
func (m *Message) Encode() ([]byte, error) {
	var e types.Encoder

	if m.Header != nil {
		EncodeHeader(&e, m.Header)
	}
	if len(m.DeliveryAnnotations) > 0 {
		e.Descriptor(DescriptorDeliveryAnnotations)
		if err := e.SymbolMap(m.DeliveryAnnotations); err != nil {
			return nil, err
		}
	}
	if len(m.MessageAnnotations) > 0 {
		e.Descriptor(DescriptorMessageAnnotations)
		if err := e.SymbolMap(m.MessageAnnotations); err != nil {
			return nil, err
		}
	}
	if m.Properties != nil {
		if err := EncodeProperties(&e, m.Properties); err != nil {
			return nil, err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := EncodeApplicationProperties(&e, m.ApplicationProperties); err != nil {
			return nil, err
		}
	}
	for _, data := range m.Data {
		e.Descriptor(DescriptorData)
		e.Binary(data)
	}
	if m.Value != nil {
		e.Descriptor(DescriptorAMQPValue)
		if err := e.Any(m.Value); err != nil {
			return nil, err
		}
	}
	if len(m.Footer) > 0 {
		e.Descriptor(DescriptorFooter)
		if err := e.SymbolMap(m.Footer); err != nil {
			return nil, err
		}
	}

	return e.Bytes(), nil
}

// Decode parses message sections from a wire-form payload.
func Decode(payload []byte) (*Message, error) {
	m := &Message{}
	d := types.NewDecoder(payload)

	for d.Remaining() > 0 {
		val, err := d.ReadValue()
		if err != nil {
			return m, err
		}

		desc, ok := val.(*types.Described)
		if !ok {
			return m, fmt.Errorf("expected described type, got %T", val)
		}

		switch desc.Descriptor {
		case DescriptorHeader:
			m.Header = decodeHeader(desc.Value)
		case DescriptorDeliveryAnnotations:
			m.DeliveryAnnotations = decodeSymbolAnyMap(desc.Value)
		case DescriptorMessageAnnotations:
			m.MessageAnnotations = decodeSymbolAnyMap(desc.Value)
		case DescriptorProperties:
			m.Properties = decodeProperties(desc.Value)
		case DescriptorApplicationProperties:
			m.ApplicationProperties = decodeStringAnyMap(desc.Value)
		case DescriptorData:
			if data, ok := desc.Value.([]byte); ok {
				m.Data = append(m.Data, data)
			}
		case DescriptorAMQPValue:
			m.Value = desc.Value
		case DescriptorFooter:
			m.Footer = decodeSymbolAnyMap(desc.Value)
		}
	}

	return m, nil
}

// HeaderSectionSize returns the number of leading bytes of payload taken
// up by the header section, or 0 when the payload does not begin with a
// header. Used to split a received message into header and bare message.
func HeaderSectionSize(payload []byte) int {
	d := types.NewDecoder(payload)
	val, err := d.ReadValue()
	if err != nil {
		return 0
	}
	desc, ok := val.(*types.Described)
	if !ok || desc.Descriptor != DescriptorHeader {
		return 0
	}
	return d.Pos()
}

// EncodeHeader appends the header as a described list.
func EncodeHeader(e *types.Encoder, h *Header) {
	var fields types.Encoder
	fields.Bool(h.Durable)
	fields.Ubyte(h.Priority)
	fields.Uint(h.TTL)
	fields.Bool(h.FirstAcquirer)
	fields.Uint(h.DeliveryCount)

	e.Descriptor(DescriptorHeader)
	e.List(&fields, 5)
}

// EncodeProperties appends the full 13-field properties section; unset
// fields are encoded as null.
func EncodeProperties(e *types.Encoder, p *Properties) error {
	var fields types.Encoder

	if err := fields.Any(p.MessageID); err != nil {
		return fmt.Errorf("message-id: %w", err)
	}
	if p.UserID != nil {
		fields.Binary(p.UserID)
	} else {
		fields.Null()
	}
	optionalString(&fields, p.To)
	optionalString(&fields, p.Subject)
	optionalString(&fields, p.ReplyTo)
	if err := fields.Any(p.CorrelationID); err != nil {
		return fmt.Errorf("correlation-id: %w", err)
	}
	optionalSymbol(&fields, p.ContentType)
	optionalSymbol(&fields, p.ContentEncoding)
	optionalTimestamp(&fields, p.AbsoluteExpiryTime)
	optionalTimestamp(&fields, p.CreationTime)
	optionalString(&fields, p.GroupID)
	if p.HasGroupSequence {
		fields.Uint(p.GroupSequence)
	} else {
		fields.Null()
	}
	optionalString(&fields, p.ReplyToGroupID)

	e.Descriptor(DescriptorProperties)
	e.List(&fields, 13)
	return nil
}

func optionalString(e *types.Encoder, v string) {
	if v == "" {
		e.Null()
		return
	}
	e.String(v)
}

func optionalSymbol(e *types.Encoder, v types.Symbol) {
	if v == "" {
		e.Null()
		return
	}
	e.Symbol(v)
}

func optionalTimestamp(e *types.Encoder, v types.Timestamp) {
	if v.IsZero() {
		e.Null()
		return
	}
	e.Timestamp(v)
}

// EncodeApplicationProperties appends the application-properties map.
func EncodeApplicationProperties(e *types.Encoder, props map[string]any) error {
	e.Descriptor(DescriptorApplicationProperties)
	return e.StringMap(props)
}

// fieldList indexes a decoded section list; absent trailing fields and
// explicit nulls read the same way.
type fieldList []any

func (f fieldList) at(i int) any {
	if i < len(f) {
		return f[i]
	}
	return nil
}

func (f fieldList) str(i int) string {
	s, _ := f.at(i).(string)
	return s
}

func (f fieldList) sym(i int) types.Symbol {
	s, _ := f.at(i).(types.Symbol)
	return s
}

func (f fieldList) boolean(i int) bool {
	b, _ := f.at(i).(bool)
	return b
}

func (f fieldList) u32(i int) uint32 {
	switch v := f.at(i).(type) {
	case uint32:
		return v
	case uint64:
		return uint32(v)
	case uint8:
		return uint32(v)
	default:
		return 0
	}
}

func decodeHeader(v any) *Header {
	f, _ := v.([]any)
	fields := fieldList(f)
	h := &Header{
		Durable:       fields.boolean(0),
		TTL:           fields.u32(2),
		FirstAcquirer: fields.boolean(3),
		DeliveryCount: fields.u32(4),
	}
	h.Priority, _ = fields.at(1).(uint8)
	return h
}

func decodeProperties(v any) *Properties {
	f, _ := v.([]any)
	fields := fieldList(f)
	p := &Properties{
		MessageID:       fields.at(0),
		To:              fields.str(2),
		Subject:         fields.str(3),
		ReplyTo:         fields.str(4),
		CorrelationID:   fields.at(5),
		ContentType:     fields.sym(6),
		ContentEncoding: fields.sym(7),
		GroupID:         fields.str(10),
		ReplyToGroupID:  fields.str(12),
	}
	p.UserID, _ = fields.at(1).([]byte)
	p.AbsoluteExpiryTime, _ = fields.at(8).(types.Timestamp)
	p.CreationTime, _ = fields.at(9).(types.Timestamp)
	if fields.at(11) != nil {
		p.GroupSequence = fields.u32(11)
		p.HasGroupSequence = true
	}
	return p
}

func decodeSymbolAnyMap(v any) map[types.Symbol]any {
	m, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	result := make(map[types.Symbol]any, len(m))
	for k, val := range m {
		if sym, ok := k.(types.Symbol); ok {
			result[sym] = val
		}
	}
	return result
}

func decodeStringAnyMap(v any) map[string]any {
	m, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, val := range m {
		if s, ok := k.(string); ok {
			result[s] = val
		}
	}
	return result
}
