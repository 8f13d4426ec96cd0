// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sender implements the outbound AMQP 1.0 path: encoding queue
// messages into wire form and tracking unsettled deliveries.
package sender

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	amqpmessage "github.com/xiangwangcheng/qpid/amqp1/message"
	"github.com/xiangwangcheng/qpid/amqp1/types"
	"github.com/xiangwangcheng/qpid/queue"
)

// Reserved application-header keys surfaced in standard AMQP sections
// instead of application-properties.
const (
	XAmqpPrefix             = "x-amqp-"
	XAmqpFirstAcquirer      = "x-amqp-first-acquirer"
	XAmqpDeliveryCount      = "x-amqp-delivery-count"
	XAmqpTo                 = "x-amqp-to"
	XAmqpContentEncoding    = "x-amqp-content-encoding"
	XAmqpCreationTime       = "x-amqp-creation-time"
	XAmqpAbsoluteExpiryTime = "x-amqp-absolute-expiry-time"
	XAmqpGroupID            = "x-amqp-group-id"
	XAmqpGroupSequence      = "x-amqp-group-sequence"
	XAmqpReplyToGroupID     = "x-amqp-reply-to-group-id"
)

// Address names a send target with an optional subject override.
type Address struct {
	Name    string
	Subject string
}

// Encoder turns queue messages into AMQP 1.0 transfer payloads.
type Encoder struct {
	logger *slog.Logger
}

// NewEncoder creates an encoder; a nil logger uses the default.
func NewEncoder(logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{logger: logger}
}

func changedSubject(msg *queue.Message, addr Address) bool {
	return addr.Subject != "" && addr.Subject != msg.Subject
}

// Encode produces the wire form of a message for the given address.
//
// A message still carrying its received encoding is forwarded verbatim
// when neither the header fields nor the subject changed; when only the
// header changed, a fresh header is emitted followed by the received bare
// message. Everything else takes the full encode path.
func (e *Encoder) Encode(msg *queue.Message, addr Address) ([]byte, error) {
	if original := msg.Received; original != nil && !changedSubject(msg, addr) {
		header := e.headerFor(msg)
		if header.Equal(original.Header) {
			// entire content can go out as received
			out := make([]byte, len(original.Raw))
			copy(out, original.Raw)
			return out, nil
		}
		// revised header, then the rest of the message as received
		var enc types.Encoder
		amqpmessage.EncodeHeader(&enc, &header)
		return append(enc.Bytes(), original.Bare...), nil
	}

	var enc types.Encoder
	header := e.headerFor(msg)
	amqpmessage.EncodeHeader(&enc, &header)
	props := e.propertiesFor(msg, addr)
	if err := amqpmessage.EncodeProperties(&enc, &props); err != nil {
		return nil, err
	}
	if appProps := e.applicationProperties(msg.Headers); len(appProps) > 0 {
		if err := amqpmessage.EncodeApplicationProperties(&enc, appProps); err != nil {
			return nil, err
		}
	}
	if len(msg.Content) > 0 {
		// structured content not directly supported; one binary section
		enc.Descriptor(amqpmessage.DescriptorData)
		enc.Binary(msg.Content)
	}
	e.logger.Debug("encoded message", "size", enc.Len())
	return enc.Bytes(), nil
}

func (e *Encoder) headerFor(msg *queue.Message) amqpmessage.Header {
	h := amqpmessage.Header{
		Durable:  msg.IsPersistent(),
		Priority: msg.Priority,
	}
	if ttl := msg.TTL(); ttl > 0 {
		h.TTL = uint32(ttl / time.Millisecond)
	}
	h.FirstAcquirer = msg.Headers.GetBool(XAmqpFirstAcquirer)
	if msg.Headers.IsSet(XAmqpDeliveryCount) {
		h.DeliveryCount = uint32(msg.Headers.GetInt(XAmqpDeliveryCount))
	} else if msg.IsRedelivered() {
		h.DeliveryCount = 1
	}
	return h
}

func (e *Encoder) propertiesFor(msg *queue.Message, addr Address) amqpmessage.Properties {
	p := amqpmessage.Properties{
		UserID:          msg.UserID,
		To:              msg.Headers.GetString(XAmqpTo),
		ReplyTo:         msg.ReplyTo,
		ContentType:     types.Symbol(msg.ContentType),
		ContentEncoding: types.Symbol(msg.Headers.GetString(XAmqpContentEncoding)),
		GroupID:         msg.Headers.GetString(XAmqpGroupID),
		ReplyToGroupID:  msg.Headers.GetString(XAmqpReplyToGroupID),
	}
	if msg.ID != "" {
		p.MessageID = msg.ID
	}
	if addr.Subject != "" {
		p.Subject = addr.Subject
	} else {
		p.Subject = msg.Subject
	}
	if msg.CorrelationID != "" {
		p.CorrelationID = msg.CorrelationID
	}
	if msg.Headers.IsSet(XAmqpAbsoluteExpiryTime) {
		p.AbsoluteExpiryTime = types.TimestampFromMillis(int64(msg.Headers.GetInt(XAmqpAbsoluteExpiryTime)))
	}
	if msg.Headers.IsSet(XAmqpCreationTime) {
		p.CreationTime = types.TimestampFromMillis(int64(msg.Headers.GetInt(XAmqpCreationTime)))
	}
	if msg.Headers.IsSet(XAmqpGroupSequence) {
		p.GroupSequence = uint32(msg.Headers.GetInt(XAmqpGroupSequence))
		p.HasGroupSequence = true
	}
	return p
}

// applicationProperties filters the headers down to what belongs in the
// application-properties section: reserved x-amqp- keys are surfaced in
// standard fields, UUIDs and nested values are not representable and are
// skipped with a warning.
func (e *Encoder) applicationProperties(headers queue.Arguments) map[string]any {
	props := make(map[string]any, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(k, XAmqpPrefix) {
			continue
		}
		switch v.(type) {
		case uuid.UUID, types.UUID:
			e.logger.Warn("skipping UUID in application properties; not yet handled correctly", "key", k)
			continue
		case bool, uint8, uint16, uint32, uint64, int8, int16, int32, int64, int,
			float32, float64, string, []byte, types.Symbol, types.Timestamp:
			props[k] = v
		default:
			e.logger.Warn("skipping nested list and map; not allowed in application properties", "key", k)
		}
	}
	return props
}
