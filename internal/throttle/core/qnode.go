// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "container/list"

// Qnode is a per-source FIFO of bios. Owner is set when the qnode is
// created and kept for its lifetime, linked or not; the owner is an opaque
// key, not a pointer, so qnodes never need to know about TG internals.
type Qnode struct {
	Owner TGKey

	buf  []*Bio
	head int

	elem *list.Element // non-nil while linked into a QList
}

// NewQnode creates an unlinked qnode owned by owner.
func NewQnode(owner TGKey) *Qnode {
	return &Qnode{Owner: owner}
}

// Push appends a bio to the tail of this qnode's FIFO.
func (q *Qnode) Push(b *Bio) {
	q.buf = append(q.buf, b)
}

// Front returns the head bio without removing it, or nil if empty.
func (q *Qnode) Front() *Bio {
	if q.head >= len(q.buf) {
		return nil
	}
	return q.buf[q.head]
}

// PopFront removes and returns the head bio, or nil if empty.
func (q *Qnode) PopFront() *Bio {
	if q.head >= len(q.buf) {
		return nil
	}
	b := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return b
}

// Empty reports whether this qnode's FIFO holds no bios.
func (q *Qnode) Empty() bool { return q.head >= len(q.buf) }

// Linked reports whether this qnode is currently in some QList's queued[].
func (q *Qnode) Linked() bool { return q.elem != nil }

// Len reports the number of bios currently queued in this node.
func (q *Qnode) Len() int { return len(q.buf) - q.head }

// QList is a service queue's queued[dir] round-robin bucket of qnodes. It
// is implemented over container/list for O(1) unlink and move-to-back.
type QList struct {
	l        *list.List
	nrQueued int // Σ bios over qnodes currently in l
}

// NewQList creates an empty round-robin bucket.
func NewQList() *QList { return &QList{l: list.New()} }

// AddBio appends bio to qn's FIFO. If qn was not already linked, it is
// appended to the tail of the round-robin order and onLink is invoked
// (used by callers to acquire a TG reference); onLink may be nil, which is
// the refcount-less variant fake-device members use, since their TGs are
// owned by the FD, not per-qnode refcounted.
func (ql *QList) AddBio(b *Bio, qn *Qnode, onLink func()) {
	qn.Push(b)
	ql.nrQueued++
	if qn.elem == nil {
		qn.elem = ql.l.PushBack(qn)
		if onLink != nil {
			onLink()
		}
	}
}

// Peek returns the head qnode's head bio, or nil if the bucket is empty.
func (ql *QList) Peek() *Bio {
	if ql.l.Len() == 0 {
		return nil
	}
	return ql.l.Front().Value.(*Qnode).Front()
}

// Pop removes and returns the head qnode's head bio. If that qnode becomes
// empty it is unlinked and returned as unlinked (the caller should drop the
// owning TG's reference, unless this list uses the refcount-less variant);
// otherwise the qnode is moved to the tail to enforce round-robin between
// sources.
func (ql *QList) Pop() (b *Bio, unlinked *Qnode) {
	if ql.l.Len() == 0 {
		return nil, nil
	}
	e := ql.l.Front()
	qn := e.Value.(*Qnode)
	b = qn.PopFront()
	if b == nil {
		return nil, nil
	}
	ql.nrQueued--
	if qn.Empty() {
		ql.l.Remove(e)
		qn.elem = nil
		unlinked = qn
	} else {
		ql.l.MoveToBack(e)
	}
	return b, unlinked
}

// Len returns the number of linked qnodes (not the number of queued bios).
func (ql *QList) Len() int { return ql.l.Len() }

// NrQueued returns Σ bios over all qnodes currently linked.
func (ql *QList) NrQueued() int { return ql.nrQueued }
