// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
)

// PriorityQueue orders messages by priority, FIFO within a level.
// Optional fairshare limits bound how many consecutive messages a level
// may deliver before lower levels get a turn.
type PriorityQueue struct {
	levels  [][]QueuedMessage // index 0 = lowest priority
	limits  []uint            // fairshare credit per level, nil = strict priority
	credits []uint
	count   int
}

var _ Messages = (*PriorityQueue)(nil)

// NewPriorityQueue creates a container with the given number of priority
// levels (clamped to 1..10).
func NewPriorityQueue(levels int) *PriorityQueue {
	if levels < 1 {
		levels = 1
	}
	if levels > 10 {
		levels = 10
	}
	return &PriorityQueue{levels: make([][]QueuedMessage, levels)}
}

// NewFairshare creates a priority container with per-level delivery
// credits.
func NewFairshare(levels int, limits []uint) *PriorityQueue {
	pq := NewPriorityQueue(levels)
	pq.limits = make([]uint, len(pq.levels))
	for i := range pq.limits {
		if i < len(limits) {
			pq.limits[i] = limits[i]
		}
	}
	pq.credits = append([]uint(nil), pq.limits...)
	return pq
}

// createPriorityContainer builds a priority or fairshare container from
// queue arguments, or reports that none was requested.
func createPriorityContainer(args Arguments) (Messages, bool) {
	if !args.IsSet(argPriorities) {
		return nil, false
	}
	levels := args.GetInt(argPriorities)
	if levels <= 0 {
		return nil, false
	}
	if args.IsSet(argFairshare) {
		share := uint(args.GetInt(argFairshare))
		limits := make([]uint, levels)
		for i := range limits {
			limits[i] = share
			if perLevel := args.GetInt(fmt.Sprintf("%s-%d", argFairshare, i)); perLevel > 0 {
				limits[i] = uint(perLevel)
			}
		}
		return NewFairshare(levels, limits), true
	}
	return NewPriorityQueue(levels), true
}

// level maps a message priority (0-9) onto a container level.
func (p *PriorityQueue) level(priority uint8) int {
	l := int(priority) * len(p.levels) / 10
	if l >= len(p.levels) {
		l = len(p.levels) - 1
	}
	return l
}

func (p *PriorityQueue) Size() int {
	return p.count
}

func (p *PriorityQueue) Empty() bool {
	return p.count == 0
}

func (p *PriorityQueue) Push(qm QueuedMessage) (QueuedMessage, bool) {
	l := p.level(qm.Message.Priority)
	p.levels[l] = append(p.levels[l], qm)
	p.count++
	return QueuedMessage{}, false
}

// frontLevel picks the level the next pop will serve. With fairshare
// limits a level with exhausted credit defers to lower levels; when every
// populated level is exhausted the credits reset.
func (p *PriorityQueue) frontLevel() (int, bool) {
	if p.count == 0 {
		return 0, false
	}
	if p.limits == nil {
		for l := len(p.levels) - 1; l >= 0; l-- {
			if len(p.levels[l]) > 0 {
				return l, true
			}
		}
		return 0, false
	}
	for l := len(p.levels) - 1; l >= 0; l-- {
		if len(p.levels[l]) > 0 && (p.limits[l] == 0 || p.credits[l] > 0) {
			return l, true
		}
	}
	// every populated level is out of credit; start a new round
	copy(p.credits, p.limits)
	for l := len(p.levels) - 1; l >= 0; l-- {
		if len(p.levels[l]) > 0 {
			return l, true
		}
	}
	return 0, false
}

func (p *PriorityQueue) Pop() (QueuedMessage, bool) {
	l, ok := p.frontLevel()
	if !ok {
		return QueuedMessage{}, false
	}
	qm := p.levels[l][0]
	p.levels[l] = p.levels[l][1:]
	p.count--
	if p.limits != nil && p.limits[l] > 0 && p.credits[l] > 0 {
		p.credits[l]--
	}
	return qm, true
}

func (p *PriorityQueue) Front() (QueuedMessage, bool) {
	l, ok := p.frontLevel()
	if !ok {
		return QueuedMessage{}, false
	}
	return p.levels[l][0], true
}

func (p *PriorityQueue) Find(pos SequenceNumber) (QueuedMessage, bool) {
	for _, level := range p.levels {
		for _, qm := range level {
			if qm.Position == pos {
				return qm, true
			}
		}
	}
	return QueuedMessage{}, false
}

// Next returns the resident message with the lowest position greater than
// the given one. Browsing therefore sees messages in arrival order, not
// delivery order.
func (p *PriorityQueue) Next(after SequenceNumber) (QueuedMessage, bool) {
	var best QueuedMessage
	found := false
	for _, level := range p.levels {
		for _, qm := range level {
			if qm.Position > after && (!found || qm.Position < best.Position) {
				best = qm
				found = true
			}
		}
	}
	return best, found
}

func (p *PriorityQueue) Remove(pos SequenceNumber) (QueuedMessage, bool) {
	for l, level := range p.levels {
		for i, qm := range level {
			if qm.Position == pos {
				p.levels[l] = append(level[:i], level[i+1:]...)
				p.count--
				return qm, true
			}
		}
	}
	return QueuedMessage{}, false
}

func (p *PriorityQueue) Reinsert(qm QueuedMessage) {
	l := p.level(qm.Message.Priority)
	level := p.levels[l]
	i := 0
	for i < len(level) && level[i].Position < qm.Position {
		i++
	}
	if i < len(level) && level[i].Position == qm.Position {
		return
	}
	level = append(level, QueuedMessage{})
	copy(level[i+1:], level[i:])
	level[i] = qm
	p.levels[l] = level
	p.count++
}

func (p *PriorityQueue) RemoveIf(pred func(QueuedMessage) bool) []QueuedMessage {
	var removed []QueuedMessage
	for l, level := range p.levels {
		kept := level[:0]
		for _, qm := range level {
			if pred(qm) {
				removed = append(removed, qm)
				p.count--
			} else {
				kept = append(kept, qm)
			}
		}
		p.levels[l] = kept
	}
	return removed
}

func (p *PriorityQueue) Foreach(fn func(QueuedMessage)) {
	for _, level := range p.levels {
		for _, qm := range level {
			fn(qm)
		}
	}
}
