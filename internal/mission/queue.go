// Package mission implements the router's queue of pending navigation
// directives. The head of the queue is the directive currently in execution;
// the router pops it when the navigation engine reports completion and sends
// the new head's target out.
package mission

import (
	"github.com/openrover/roverd/internal/geo"
)

// Kind says what a directive asks for.
type Kind int

const (
	// Position directs the rover to a waypoint.
	Position Kind = iota
	// Vision directs the vision node to capture a frame for the operator.
	Vision
)

// Directive is one mission instruction. Directives are owned exclusively by
// the Queue: created on insert, released on pop or delete.
type Directive struct {
	ID     uint64
	Kind   Kind
	Target geo.Position

	next *Directive
}

// Queue is an ordered list of directives with out-of-order insertion support.
// Not safe for concurrent use; the router owns it from a single goroutine.
type Queue struct {
	head *Directive
	size int

	nextID        uint64
	lastCompleted uint64
}

// New returns an empty queue. Directive ids start at 1 and are never reused.
func New() *Queue {
	return &Queue{nextID: 1}
}

// Insert adds a directive after the directive whose id is afterID and returns
// it along with whether the head changed.
//
// The new directive lands at the head when the queue is empty or when afterID
// matches the id of the most recently completed directive. The latter covers
// the race where the operator targets the directive in execution but it
// completes before the insert arrives. Otherwise the queue is scanned from
// the head and the directive is placed after the matching node, or at the
// tail when no node matches.
func (q *Queue) Insert(kind Kind, target geo.Position, afterID uint64) (d *Directive, headChanged bool) {
	d = &Directive{
		ID:     q.nextID,
		Kind:   kind,
		Target: target,
	}
	q.nextID++
	q.size++

	if q.head == nil || afterID == q.lastCompleted {
		d.next = q.head
		q.head = d
		return d, true
	}

	current := q.head
	for current.next != nil && current.ID != afterID {
		current = current.next
	}
	d.next = current.next
	current.next = d
	return d, false
}

// PopHead removes the current head, records its id as last completed and
// returns the new head, if any. Popping an empty queue returns (nil, false)
// without side effects.
func (q *Queue) PopHead() (newHead *Directive, ok bool) {
	if q.head == nil {
		return nil, false
	}

	popped := q.head
	q.head = popped.next
	popped.next = nil
	q.size--
	q.lastCompleted = popped.ID

	return q.head, true
}

// Delete removes the directive with the given id. headChanged reports that
// the deleted directive was the head, in which case newHead (possibly nil)
// should be announced to the navigation engine. found is false when no
// directive has that id.
func (q *Queue) Delete(id uint64) (newHead *Directive, headChanged, found bool) {
	if q.head == nil {
		return nil, false, false
	}

	if q.head.ID == id {
		deleted := q.head
		q.head = deleted.next
		deleted.next = nil
		q.size--
		return q.head, true, true
	}

	// Scan for the node preceding the one being deleted.
	current := q.head
	for current.next != nil && current.next.ID != id {
		current = current.next
	}
	if current.next == nil {
		return nil, false, false
	}

	deleted := current.next
	current.next = deleted.next
	deleted.next = nil
	q.size--
	return nil, false, true
}

// Flush removes every directive and resets the id counter and the last
// completed marker to their initial values.
func (q *Queue) Flush() {
	q.head = nil
	q.size = 0
	q.nextID = 1
	q.lastCompleted = 0
}

// Head returns the directive currently in execution, or nil.
func (q *Queue) Head() *Directive {
	return q.head
}

// Len returns the number of queued directives.
func (q *Queue) Len() int {
	return q.size
}

// LastCompleted returns the id of the most recently popped directive, zero if
// none completed since the last flush.
func (q *Queue) LastCompleted() uint64 {
	return q.lastCompleted
}
