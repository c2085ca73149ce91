package task

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/timer"
)

// ID identifies a task-table entry; it is also a timer.TaskID, since a
// timer's owner is always a task (spec §4.4, §4.5).
type ID = timer.TaskID

// PublishedState is a small enum each task exposes for lock-free
// coordination without a message (spec §4.5): application tasks use it
// to decide whether to attempt an open, for instance.
type PublishedState uint8

const (
	StateIdle PublishedState = iota
	StateActive
	StateOther
)

func (s PublishedState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "other"
	}
}

// InitFunc builds a task's private instance state. It may carve
// further memory from arena (spec §4.5: "calls the init handler, which
// may further carve arena").
type InitFunc func(rt *Runtime, arena *Arena) (instance any, err error)

// DownFunc handles a message arriving on the task's down queue (or,
// for queueless leaf tasks, delivered synchronously via SendDown).
type DownFunc func(rt *Runtime, instance any, msg *bmzmsg.Message)

// UpFunc is the up-direction counterpart of DownFunc.
type UpFunc func(rt *Runtime, instance any, msg *bmzmsg.Message)

// IdleFunc is polled once per scheduler turn, used by tasks that must
// incrementally poll external work (e.g. a console's kbhit) rather than
// suspend (spec §5: "no suspension points").
type IdleFunc func(rt *Runtime, instance any)

// TimeoutFunc receives a timer expiry. ownerLocalID lets a task with
// several timers (e.g. TCP's RETRY and DELAYED_ACK) distinguish them.
type TimeoutFunc func(rt *Runtime, instance any, ownerLocalID uint8)

// Descriptor declares one task-table entry (spec §3's "Task entry").
// Zero-value DownQueueCapacity/UpQueueCapacity/PoolSize mean "no queue"
// / "no pool": spec §4.5 lets queueless leaf tasks (IP, ICMP) be pure
// functions invoked synchronously by SendDown/SendUp.
type Descriptor struct {
	ID ID

	DownQueueCapacity int
	UpQueueCapacity   int

	PoolSize      int
	PoolMsgSize   int
	PoolMsgOffset int
	SharePoolFrom ID // nonzero: use that task's pool instead of carving one

	Init    InitFunc
	Idle    IdleFunc
	Down    DownFunc
	Up      UpFunc
	Timeout TimeoutFunc
}
