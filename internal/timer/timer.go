// Package timer implements the delta-style timer wheel (spec §3, §4.4):
// a singly-linked list of running timers, each decremented by the tick
// delta the scheduler observed since the last run, with a bounded
// per-tick expiry budget so one late-arriving burst of ticks cannot
// cause unbounded callback work in a single scheduler turn (spec §5).
//
// Shaped after the teacher's probing.IntervalScheduler (Add/Del/Peek/
// Complete), reworked from a map-plus-wake-channel design into a
// singly-linked list walked synchronously by Run, since spec §5 rules
// out goroutines: there is exactly one logical thread of execution.
package timer

import "fmt"

// TaskID identifies the owner of a timer. It doubles as the task
// identifier used throughout internal/task, since a timer's owner is
// always a task-table entry.
type TaskID uint8

// perTickExpiryLimit bounds how many timers may be reported expired in
// a single Run call (spec §4.4's bounded local "expired" array of
// capacity 10). Timers that would overflow this budget are postponed
// by exactly one tick rather than dropped.
const perTickExpiryLimit = 10

// Timer is one entry in the wheel. Owner/OwnerLocalID identify who
// receives the timeout callback and lets that owner distinguish
// between several timers it may hold (spec §5).
type Timer struct {
	Owner        TaskID
	OwnerLocalID uint8

	remaining uint32
	running   bool
	expired   bool
	next      *Timer
}

// Running reports whether the timer is currently linked into the
// wheel's running list — per spec §3's invariant, this is exactly when
// Running()==true.
func (t *Timer) Running() bool { return t.running }

// Read returns the timer's remaining ticks.
func (t *Timer) Read() uint32 { return t.remaining }

// Notifier receives timeout callbacks from Wheel.Run. A timeout
// callback may safely restart the same timer (spec §4.4, §5).
type Notifier interface {
	NotifyTimeout(owner TaskID, ownerLocalID uint8)
}

// Wheel owns the module-global running-timer list (spec §5: "the timer
// list is module-global; all modifications happen from the single-
// threaded scheduler context").
type Wheel struct {
	head       *Timer
	currentJob TaskID // owner recorded for timers started during dispatch of currentJob
}

// NewWheel returns an empty timer wheel.
func NewWheel() *Wheel { return &Wheel{} }

// SetCurrentOwner records which task is presently executing, so that
// Start calls made from within a handler or an init routine attribute
// the new timer to the right owner without every call site having to
// pass it explicitly (spec §4.5: send_down/send_up "temporarily swap
// the current task id so nested handlers ... record correct
// ownership").
func (w *Wheel) SetCurrentOwner(id TaskID) { w.currentJob = id }

// Reset detaches t from the wheel (if linked) and zeroes it, recording
// ownerLocalID for future Start calls.
func (w *Wheel) Reset(t *Timer, ownerLocalID uint8) {
	w.unlink(t)
	*t = Timer{OwnerLocalID: ownerLocalID}
}

// StartTicks arms t for the given number of ticks, owned by the
// currently-executing task (see SetCurrentOwner). If t is not already
// running it is linked at the head of the wheel.
func (w *Wheel) StartTicks(t *Timer, ticks uint32) {
	t.remaining = ticks
	t.expired = false
	t.Owner = w.currentJob
	if !t.running {
		t.running = true
		t.next = w.head
		w.head = t
	}
}

// StartSeconds arms t for a duration expressed in seconds, converting
// at the given ticks-per-second rate (spec §4.4's start_seconds).
func (w *Wheel) StartSeconds(t *Timer, seconds float64, ticksPerSecond uint32) {
	w.StartTicks(t, uint32(seconds*float64(ticksPerSecond)+0.5))
}

// Stop unlinks t from the wheel without zeroing it.
func (w *Wheel) Stop(t *Timer) {
	w.unlink(t)
}

func (w *Wheel) unlink(t *Timer) {
	if !t.running {
		return
	}
	if w.head == t {
		w.head = t.next
	} else {
		for p := w.head; p != nil; p = p.next {
			if p.next == t {
				p.next = t.next
				break
			}
		}
	}
	t.running = false
	t.next = nil
}

// Run advances every running timer by elapsed ticks. Timers whose
// remaining ticks would drop to or below zero are detached and queued
// for expiry; once perTickExpiryLimit timers have been collected this
// tick, any further timer that would also expire is instead postponed
// — its remaining is set to 1 and it is left linked — so it is
// guaranteed to be reconsidered on the very next Run (spec §4.4,
// invariant 3 in spec §8). Expiry callbacks never run with the timer
// still linked: the whole list is walked and detached first, and only
// then are the owners notified (spec §4.4's invariant).
func (w *Wheel) Run(elapsed uint32, notifier Notifier) {
	if elapsed == 0 {
		return
	}

	var expired [perTickExpiryLimit]*Timer
	n := 0

	cur := w.head
	for cur != nil {
		next := cur.next
		if elapsed < cur.remaining {
			cur.remaining -= elapsed
		} else if n < perTickExpiryLimit {
			w.unlink(cur)
			cur.expired = true
			expired[n] = cur
			n++
		} else {
			cur.remaining = 1
		}
		cur = next
	}

	for i := 0; i < n; i++ {
		t := expired[i]
		t.expired = false
		if notifier != nil {
			notifier.NotifyTimeout(t.Owner, t.OwnerLocalID)
		}
	}
}

func (t *Timer) String() string {
	return fmt.Sprintf("timer{owner=%d local=%d remaining=%d running=%t}", t.Owner, t.OwnerLocalID, t.remaining, t.running)
}
