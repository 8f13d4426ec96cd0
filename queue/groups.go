// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"log/slog"
	"sort"
	"time"
)

// Message group constants.
const (
	// GroupHeaderDefault is the sentinel group for messages lacking the
	// configured group header.
	GroupHeaderDefault = "qpid.no_group"

	groupQueryKey = "qpid.message_group_queue"
)

// groupState tracks one message group on a queue.
type groupState struct {
	id       string
	owner    string // consumer with outstanding acquired messages, "" = free
	acquired uint32 // count of outstanding acquired messages
	members  []SequenceNumber
}

func (g *groupState) owned() bool {
	return g.owner != ""
}

// groupFifo is an ordered index of free groups keyed by the position of
// each group's head member.
type groupFifo struct {
	byPos     map[SequenceNumber]*groupState
	positions []SequenceNumber // sorted
}

func newGroupFifo() *groupFifo {
	return &groupFifo{byPos: make(map[SequenceNumber]*groupState)}
}

func (f *groupFifo) empty() bool {
	return len(f.positions) == 0
}

func (f *groupFifo) min() SequenceNumber {
	return f.positions[0]
}

func (f *groupFifo) insert(pos SequenceNumber, state *groupState) {
	if _, ok := f.byPos[pos]; ok {
		return
	}
	f.byPos[pos] = state
	i := sort.Search(len(f.positions), func(i int) bool {
		return f.positions[i] >= pos
	})
	f.positions = append(f.positions, 0)
	copy(f.positions[i+1:], f.positions[i:])
	f.positions[i] = pos
}

func (f *groupFifo) erase(pos SequenceNumber) {
	if _, ok := f.byPos[pos]; !ok {
		return
	}
	delete(f.byPos, pos)
	i := sort.Search(len(f.positions), func(i int) bool {
		return f.positions[i] >= pos
	})
	if i < len(f.positions) && f.positions[i] == pos {
		f.positions = append(f.positions[:i], f.positions[i+1:]...)
	}
}

// MessageGroupManager enforces group affinity: once a consumer acquires
// any message of a group, the group belongs to that consumer until all
// its acquired messages settle. It is registered both as the queue's
// allocator and as an observer; all state is protected by the queue's
// message lock.
type MessageGroupManager struct {
	queue     *Queue
	headerKey string
	timestamp bool

	groups     map[string]*groupState
	freeGroups *groupFifo
	consumers  map[string]uint32 // consumer name -> count of owned groups

	logger *slog.Logger
}

var (
	_ MessageAllocator = (*MessageGroupManager)(nil)
	_ QueueObserver    = (*MessageGroupManager)(nil)
)

// newMessageGroupManager builds a group manager from queue arguments, or
// reports that grouping was not requested.
func newMessageGroupManager(q *Queue, args Arguments) (*MessageGroupManager, bool) {
	if !args.IsSet(argGroupHeaderKey) {
		return nil, false
	}
	headerKey := args.GetString(argGroupHeaderKey)
	if headerKey == "" {
		q.logger.Error("a message group header key must be configured", "queue", q.name)
		return nil, false
	}
	m := &MessageGroupManager{
		queue:      q,
		headerKey:  headerKey,
		timestamp:  args.GetBool(argGroupTimestamp),
		groups:     make(map[string]*groupState),
		freeGroups: newGroupFifo(),
		consumers:  make(map[string]uint32),
		logger:     q.logger,
	}
	q.logger.Debug("configured queue for message grouping",
		"queue", q.name, "header_key", headerKey, "timestamp", m.timestamp)
	return m, true
}

func (m *MessageGroupManager) groupID(qm QueuedMessage) string {
	id := qm.Message.Headers.GetString(m.headerKey)
	if id == "" {
		return GroupHeaderDefault
	}
	return id
}

func (m *MessageGroupManager) own(state *groupState, owner string) {
	state.owner = owner
	m.consumers[owner]++
	m.freeGroups.erase(state.members[0])
}

func (m *MessageGroupManager) disown(state *groupState) {
	if count := m.consumers[state.owner]; count > 0 {
		m.consumers[state.owner] = count - 1
	}
	state.owner = ""
	m.freeGroups.insert(state.members[0], state)
}

// Enqueued appends the message to its group; a newly created group is
// free and indexed by its head position.
func (m *MessageGroupManager) Enqueued(qm QueuedMessage) {
	group := m.groupID(qm)
	state, ok := m.groups[group]
	if !ok {
		state = &groupState{id: group}
		m.groups[group] = state
	}
	state.members = append(state.members, qm.Position)
	if m.timestamp {
		qm.Message.Headers[m.headerKey+".timestamp"] = time.Now().UnixMilli()
	}
	if len(state.members) == 1 {
		m.freeGroups.insert(qm.Position, state)
	}
	m.logger.Debug("added message to group",
		"queue", m.queue.name, "group", group, "total", len(state.members))
}

func (m *MessageGroupManager) Acquired(qm QueuedMessage) {
	group := m.groupID(qm)
	state, ok := m.groups[group]
	if !ok {
		return
	}
	state.acquired++
}

func (m *MessageGroupManager) Requeued(qm QueuedMessage) {
	group := m.groupID(qm)
	state, ok := m.groups[group]
	if !ok || state.acquired == 0 {
		return
	}
	state.acquired--
	if state.acquired == 0 && state.owned() {
		m.logger.Debug("consumer released group",
			"queue", m.queue.name, "consumer", state.owner, "group", group)
		m.disown(state)
	}
}

func (m *MessageGroupManager) Dequeued(qm QueuedMessage) {
	group := m.groupID(qm)
	state, ok := m.groups[group]
	if !ok {
		return
	}

	wasHead := len(state.members) > 0 && state.members[0] == qm.Position
	for i, pos := range state.members {
		if pos == qm.Position {
			state.members = append(state.members[:i], state.members[i+1:]...)
			break
		}
	}
	if state.acquired > 0 {
		state.acquired--
	}

	if len(state.members) == 0 {
		if !state.owned() {
			m.freeGroups.erase(qm.Position)
		}
		delete(m.groups, group)
		m.logger.Debug("deleting group", "queue", m.queue.name, "group", group)
		return
	}
	if wasHead && !state.owned() {
		// the free index is keyed on the head position; rekey
		m.freeGroups.erase(qm.Position)
		m.freeGroups.insert(state.members[0], state)
	} else if state.acquired == 0 && state.owned() {
		m.logger.Debug("consumer released group",
			"queue", m.queue.name, "consumer", state.owner, "group", group)
		m.disown(state)
	}
}

func (m *MessageGroupManager) ConsumerAdded(c Consumer) {
	if _, ok := m.consumers[c.Name()]; !ok {
		m.consumers[c.Name()] = 0
	}
}

func (m *MessageGroupManager) ConsumerRemoved(c Consumer) {
	name := c.Name()
	count := m.consumers[name]
	for _, state := range m.groups {
		if count == 0 {
			break
		}
		if state.owner == name {
			count--
			m.disown(state)
			m.logger.Debug("consumer released group",
				"queue", m.queue.name, "consumer", name, "group", state.id)
		}
	}
	delete(m.consumers, name)
}

// NextConsumable returns the oldest message belonging to a group that is
// either free or owned by the consumer.
func (m *MessageGroupManager) NextConsumable(c Consumer) (QueuedMessage, bool) {
	messages := m.queue.messages
	if messages.Empty() {
		return QueuedMessage{}, false
	}

	var next QueuedMessage
	var ok bool
	if !m.freeGroups.empty() {
		nextFree := m.freeGroups.min()
		if nextFree < c.Position() {
			// next free group's message is older than the cursor
			next, ok = messages.Find(nextFree)
		} else {
			next, ok = messages.Next(c.Position())
		}
	} else {
		if m.consumers[c.Name()] == 0 {
			// nothing free and nothing owned: nothing to consume
			return QueuedMessage{}, false
		}
		next, ok = messages.Next(c.Position())
	}

	for ok {
		state, found := m.groups[m.groupID(next)]
		if found && (!state.owned() || state.owner == c.Name()) {
			return next, true
		}
		next, ok = messages.Next(next.Position)
	}
	return QueuedMessage{}, false
}

func (m *MessageGroupManager) NextBrowsable(c Consumer) (QueuedMessage, bool) {
	return m.queue.messages.Next(c.Position())
}

// Acquire grants the message if its group is free (taking ownership) or
// already owned by the consumer.
func (m *MessageGroupManager) Acquire(consumerName string, qm QueuedMessage) bool {
	state, ok := m.groups[m.groupID(qm)]
	if !ok {
		return false
	}
	if !state.owned() {
		m.own(state, consumerName)
		m.logger.Debug("consumer acquired group",
			"queue", m.queue.name, "consumer", consumerName, "group", state.id)
		return true
	}
	return state.owner == consumerName
}

// Query describes the group state for management snapshots.
func (m *MessageGroupManager) Query(out map[string]any) {
	groups := make([]map[string]any, 0, len(m.groups))
	for id, state := range m.groups {
		groups = append(groups, map[string]any{
			"group_id":  id,
			"msg_count": len(state.members),
			"consumer":  state.owner,
		})
	}
	out[groupQueryKey] = map[string]any{
		"group_header_key": m.headerKey,
		"group_state":      groups,
	}
}
