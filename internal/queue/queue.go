// Package queue implements the bounded FIFO of Message handles that
// tasks use to hand work to each other (spec §3, §4.3), plus the
// pushback primitive: a handler that cannot make progress on a message
// returns it to the head of the queue so the scheduler moves on to
// other tasks instead of busy-looping (spec §4.3's rationale).
package queue

import "github.com/billforsternz/bmz/internal/bmzmsg"

// Queue is an array of capacity N message handles with put/get indices
// modulo N+1; one slot is always left empty to disambiguate the
// full and empty states without a separate counter.
type Queue struct {
	buf              []*bmzmsg.Message
	put, get         int
	pushbackObserved bool
}

// New returns a Queue that can hold up to capacity messages at once.
func New(capacity int) *Queue {
	return &Queue{buf: make([]*bmzmsg.Message, capacity+1)}
}

// Write enqueues msg at the tail. Returns false if the queue is full;
// it is the caller's responsibility to drop the message on failure
// (spec §4.3, §7 resource-pressure policy).
func (q *Queue) Write(msg *bmzmsg.Message) bool {
	next := (q.put + 1) % len(q.buf)
	if next == q.get {
		return false
	}
	q.buf[q.put] = msg
	q.put = next
	return true
}

// Read dequeues and returns the head message, or nil if the queue is
// empty.
func (q *Queue) Read() *bmzmsg.Message {
	if q.get == q.put {
		return nil
	}
	m := q.buf[q.get]
	q.buf[q.get] = nil
	q.get = (q.get + 1) % len(q.buf)
	return m
}

// Pushback places msg back at the head of the queue — an idempotent
// un-dequeue, not a rewind of reader state (spec §9) — and latches
// pushbackObserved. It never fails: a message just read always leaves
// at least one free slot behind it.
func (q *Queue) Pushback(msg *bmzmsg.Message) {
	q.get = (q.get - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.get] = msg
	q.pushbackObserved = true
}

// CheckAndClearPushback reads and clears the latched pushback flag in
// one step.
func (q *Queue) CheckAndClearPushback() bool {
	v := q.pushbackObserved
	q.pushbackObserved = false
	return v
}

// Empty reports whether the queue currently holds no messages.
func (q *Queue) Empty() bool { return q.get == q.put }

// Clear drains the queue, freeing each resident message.
func (q *Queue) Clear() {
	for {
		m := q.Read()
		if m == nil {
			return
		}
		m.Free()
	}
}
