// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/xiangwangcheng/qpid/queue"
)

// ErrCapacityBelowUnsettled is returned when a capacity change would not
// cover the outstanding deliveries.
var ErrCapacityBelowUnsettled = errors.New("desired capacity is less than unsettled message count")

// DefaultCapacity bounds outstanding deliveries unless overridden.
const DefaultCapacity = 1000

// Outcome is the remote delivery state reported by the peer.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeReleased
)

// Delivery is one outstanding transfer.
type Delivery struct {
	id      int32
	encoded []byte

	mu      sync.Mutex
	settled bool
	remote  Outcome

	logger *slog.Logger
}

// ID returns the delivery id.
func (d *Delivery) ID() int32 {
	return d.id
}

// Tag returns the 4-byte delivery tag derived from the id.
func (d *Delivery) Tag() []byte {
	tag := make([]byte, 4)
	binary.BigEndian.PutUint32(tag, uint32(d.id))
	return tag
}

// Encoded returns the wire payload of the delivery.
func (d *Delivery) Encoded() []byte {
	return d.encoded
}

// SetRemoteState records the outcome reported by the peer.
func (d *Delivery) SetRemoteState(o Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.remote = o
}

// Settle marks the delivery settled locally.
func (d *Delivery) Settle() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.settled = true
}

// IsSettled reports local settlement.
func (d *Delivery) IsSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.settled
}

// Accepted reports whether the peer accepted the delivery.
func (d *Delivery) Accepted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.remote == OutcomeAccepted
}

// Rejected reports whether the peer rejected the delivery.
func (d *Delivery) Rejected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.remote == OutcomeRejected
}

// Delivered reports whether the peer has resolved the delivery, either
// by reporting an outcome or by settling.
func (d *Delivery) Delivered() bool {
	d.mu.Lock()
	remote := d.remote
	settled := d.settled
	d.mu.Unlock()

	if remote == OutcomePending && !settled {
		return false
	}
	switch remote {
	case OutcomeRejected:
		d.logger.Warn("delivery was rejected by peer", "id", d.id)
	case OutcomeAccepted:
	default:
		d.logger.Info("delivery was not accepted by peer", "id", d.id)
	}
	return true
}

// Sender maintains the FIFO of outstanding deliveries for one outgoing
// link. New sends are permitted only while the unsettled count is below
// capacity and link credit is available.
type Sender struct {
	name    string
	address Address
	encoder *Encoder

	mu         sync.Mutex
	capacity   uint32
	credit     uint32
	nextID     int32
	deliveries []*Delivery

	logger *slog.Logger
}

// NewSender creates a sender for the given address with the default
// capacity and no credit.
func NewSender(name string, address Address, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		name:     name,
		address:  address,
		encoder:  NewEncoder(logger),
		capacity: DefaultCapacity,
		logger:   logger,
	}
}

// Name returns the link name.
func (s *Sender) Name() string {
	return s.name
}

// Target returns the target node name.
func (s *Sender) Target() string {
	return s.address.Name
}

// Address returns the full target address.
func (s *Sender) Address() Address {
	return s.address
}

// SetCapacity adjusts the delivery window; it fails if the window would
// not cover the current unsettled count.
func (s *Sender) SetCapacity(c uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(c) < len(s.deliveries) {
		return ErrCapacityBelowUnsettled
	}
	s.capacity = c
	return nil
}

// Capacity returns the delivery window size.
func (s *Sender) Capacity() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capacity
}

// AddCredit grants link credit for outgoing transfers.
func (s *Sender) AddCredit(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credit += n
}

// Credit returns the remaining link credit.
func (s *Sender) Credit() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.credit
}

// Send encodes and enqueues a delivery. It returns nil (and no error)
// when the unsettled window is full or no credit remains; the caller
// retries after ProcessUnsettled.
func (s *Sender) Send(msg *queue.Message) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(s.drainSettledLocked()) >= s.capacity || s.credit == 0 {
		return nil, nil
	}

	encoded, err := s.encoder.Encode(msg, s.address)
	if err != nil {
		return nil, err
	}
	d := &Delivery{id: s.nextID, encoded: encoded, logger: s.logger}
	s.nextID++
	s.credit--
	s.deliveries = append(s.deliveries, d)
	return d, nil
}

// ProcessUnsettled drains settled-or-resolved deliveries from the head
// of the FIFO and returns the remaining unsettled count.
func (s *Sender) ProcessUnsettled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.drainSettledLocked()
}

func (s *Sender) drainSettledLocked() int {
	for len(s.deliveries) > 0 && s.deliveries[0].Delivered() {
		s.deliveries[0].Settle()
		s.deliveries = s.deliveries[1:]
	}
	return len(s.deliveries)
}

// Settled reports whether no deliveries remain outstanding.
func (s *Sender) Settled() bool {
	return s.ProcessUnsettled() == 0
}
