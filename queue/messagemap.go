// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "sort"

// MessageMap is a last-value container keyed by a configured header. A
// new message with an existing key replaces the older one, which is
// returned as the displaced overflow of Push.
type MessageMap struct {
	key   string
	index map[string]SequenceNumber // header value -> position
	items []QueuedMessage           // position order
}

var _ Messages = (*MessageMap)(nil)

// NewMessageMap creates a last-value container keyed by the given header.
func NewMessageMap(key string) *MessageMap {
	return &MessageMap{key: key, index: make(map[string]SequenceNumber)}
}

// KeyFor returns the last-value key of a message; messages without the
// header fall back to the empty key and replace one another.
func (m *MessageMap) KeyFor(msg *Message) string {
	return msg.Headers.GetString(m.key)
}

func (m *MessageMap) Size() int {
	return len(m.items)
}

func (m *MessageMap) Empty() bool {
	return len(m.items) == 0
}

func (m *MessageMap) slot(pos SequenceNumber) int {
	return sort.Search(len(m.items), func(i int) bool {
		return m.items[i].Position >= pos
	})
}

func (m *MessageMap) Push(qm QueuedMessage) (QueuedMessage, bool) {
	k := m.KeyFor(qm.Message)
	var displaced QueuedMessage
	replaced := false
	if old, ok := m.index[k]; ok {
		displaced, replaced = m.removeAt(old)
	}
	m.index[k] = qm.Position
	i := m.slot(qm.Position)
	m.items = append(m.items, QueuedMessage{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = qm
	return displaced, replaced
}

func (m *MessageMap) removeAt(pos SequenceNumber) (QueuedMessage, bool) {
	i := m.slot(pos)
	if i >= len(m.items) || m.items[i].Position != pos {
		return QueuedMessage{}, false
	}
	qm := m.items[i]
	m.items = append(m.items[:i], m.items[i+1:]...)
	k := m.KeyFor(qm.Message)
	if m.index[k] == pos {
		delete(m.index, k)
	}
	return qm, true
}

func (m *MessageMap) Pop() (QueuedMessage, bool) {
	if len(m.items) == 0 {
		return QueuedMessage{}, false
	}
	return m.removeAt(m.items[0].Position)
}

func (m *MessageMap) Front() (QueuedMessage, bool) {
	if len(m.items) == 0 {
		return QueuedMessage{}, false
	}
	return m.items[0], true
}

func (m *MessageMap) Find(pos SequenceNumber) (QueuedMessage, bool) {
	i := m.slot(pos)
	if i < len(m.items) && m.items[i].Position == pos {
		return m.items[i], true
	}
	return QueuedMessage{}, false
}

func (m *MessageMap) Next(after SequenceNumber) (QueuedMessage, bool) {
	i := sort.Search(len(m.items), func(i int) bool {
		return m.items[i].Position > after
	})
	if i < len(m.items) {
		return m.items[i], true
	}
	return QueuedMessage{}, false
}

func (m *MessageMap) Remove(pos SequenceNumber) (QueuedMessage, bool) {
	return m.removeAt(pos)
}

func (m *MessageMap) Reinsert(qm QueuedMessage) {
	k := m.KeyFor(qm.Message)
	if cur, ok := m.index[k]; ok && cur != qm.Position {
		// a newer message with the same key arrived while this one was
		// acquired; the returned message is stale and is dropped
		return
	}
	i := m.slot(qm.Position)
	if i < len(m.items) && m.items[i].Position == qm.Position {
		return
	}
	m.items = append(m.items, QueuedMessage{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = qm
	m.index[k] = qm.Position
}

func (m *MessageMap) RemoveIf(pred func(QueuedMessage) bool) []QueuedMessage {
	var removed []QueuedMessage
	kept := m.items[:0]
	for _, qm := range m.items {
		if pred(qm) {
			removed = append(removed, qm)
			k := m.KeyFor(qm.Message)
			if m.index[k] == qm.Position {
				delete(m.index, k)
			}
		} else {
			kept = append(kept, qm)
		}
	}
	m.items = kept
	return removed
}

func (m *MessageMap) Foreach(fn func(QueuedMessage)) {
	for _, qm := range m.items {
		fn(qm)
	}
}

// LegacyLVQ is the historic last-value form keyed by qpid.LVQ_key, with
// an optional block on browsing.
type LegacyLVQ struct {
	*MessageMap
	noBrowse bool
}

var _ Messages = (*LegacyLVQ)(nil)

// NewLegacyLVQ creates the legacy last-value container.
func NewLegacyLVQ(key string, noBrowse bool) *LegacyLVQ {
	return &LegacyLVQ{MessageMap: NewMessageMap(key), noBrowse: noBrowse}
}

// BrowsingDisabled reports whether browsers are blocked from this
// container.
func (l *LegacyLVQ) BrowsingDisabled() bool {
	return l.noBrowse
}
