// Package task implements the cooperative scheduler (spec §3, §4.5): a
// fixed table of named tasks wired up once at system-definition time,
// driven by a single run loop that polls queues and idle handlers and
// then drains expired timers — the only asynchronous agent in the
// whole system is the tick ISR (spec §5).
//
// Shaped after the teacher's probingWorker/liveness.Manager Start/Stop/
// Run lifecycle naming, reworked into a single synchronous Step instead
// of a goroutine-driven loop, since spec §5 rules out concurrent
// execution.
package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/queue"
	"github.com/billforsternz/bmz/internal/timer"
)

type entry struct {
	desc     Descriptor
	downQ    *queue.Queue
	upQ      *queue.Queue
	pool     *bmzmsg.Pool
	instance any
	state    PublishedState
}

// Runtime owns the task table, the timer wheel and the module-global
// "currently executing task" used to attribute timers and nested
// synchronous dispatch correctly (spec §4.5, §9's "no preemption, yet
// ISR-updated counters" — everything else here runs on one thread).
type Runtime struct {
	log   *slog.Logger
	clk   clock.Source
	wheel *timer.Wheel

	table   map[ID]*entry
	order   []ID // ascending ids retained after trimming, in run order
	current ID
	inUp    bool // true while invoking the current task's up handler, false for down

	lastTick uint32
}

// New returns an empty Runtime. Call Define to populate the task table.
func New(log *slog.Logger, clk clock.Source) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		log:   log,
		clk:   clk,
		wheel: timer.NewWheel(),
		table: make(map[ID]*entry),
	}
}

// Wheel exposes the timer wheel so a task's Init handler can store
// *timer.Timer fields and a Down/Up/Idle/Timeout handler can start or
// stop them via rt.StartTimerTicks / rt.StopTimer.
func (rt *Runtime) Wheel() *timer.Wheel { return rt.wheel }

// StartTimerTicks arms t, attributing ownership to the task currently
// executing (spec §4.5's ownership-swap rationale).
func (rt *Runtime) StartTimerTicks(t *timer.Timer, ticks uint32) {
	rt.wheel.SetCurrentOwner(rt.current)
	rt.wheel.StartTicks(t, ticks)
}

// StopTimer unlinks t from the wheel.
func (rt *Runtime) StopTimer(t *timer.Timer) { rt.wheel.Stop(t) }

// ResetTimer detaches and zeroes t, recording ownerLocalID.
func (rt *Runtime) ResetTimer(t *timer.Timer, ownerLocalID uint8) { rt.wheel.Reset(t, ownerLocalID) }

// Pool returns the Message pool belonging to id, or nil if it has none.
func (rt *Runtime) Pool(id ID) *bmzmsg.Pool {
	e, ok := rt.table[id]
	if !ok {
		return nil
	}
	return e.pool
}

// Publish sets id's published liveness state (spec §4.5).
func (rt *Runtime) Publish(id ID, s PublishedState) {
	if e, ok := rt.table[id]; ok {
		e.state = s
	}
}

// State returns id's published liveness state.
func (rt *Runtime) State(id ID) PublishedState {
	if e, ok := rt.table[id]; ok {
		return e.state
	}
	return StateOther
}

// Logger returns the runtime's structured logger, for use by handlers.
func (rt *Runtime) Logger() *slog.Logger { return rt.log }

// Define walks descs, allocating each task's down/up queue and pool out
// of arena, then calling its Init handler (which may itself carve
// further arena), then — in a second pass — wiring any SharePoolFrom
// references. Trailing task ids with no queues and no idle handler are
// then trimmed from the run order, since the main loop has nothing to
// poll for them (spec §4.5).
func (rt *Runtime) Define(descs []Descriptor, arena *Arena) error {
	const ptrSize = 8 // cost of one message handle slot, for arena accounting

	for _, d := range descs {
		if d.ID == 0 {
			return fmt.Errorf("bmz: task descriptor has zero id")
		}
		if _, exists := rt.table[d.ID]; exists {
			return fmt.Errorf("bmz: duplicate task id %d", d.ID)
		}
		e := &entry{desc: d}

		if d.DownQueueCapacity > 0 {
			arena.Take(d.DownQueueCapacity * ptrSize)
			e.downQ = queue.New(d.DownQueueCapacity)
		}
		if d.UpQueueCapacity > 0 {
			arena.Take(d.UpQueueCapacity * ptrSize)
			e.upQ = queue.New(d.UpQueueCapacity)
		}
		if d.PoolSize > 0 {
			arena.Take(d.PoolSize * d.PoolMsgSize)
			e.pool = bmzmsg.NewPool(d.PoolSize, d.PoolMsgSize, d.PoolMsgOffset)
		}

		rt.table[d.ID] = e
		rt.order = append(rt.order, d.ID)
	}

	for _, d := range descs {
		e := rt.table[d.ID]
		if d.Init != nil {
			rt.current = d.ID
			inst, err := d.Init(rt, arena)
			if err != nil {
				return fmt.Errorf("bmz: init task %d: %w", d.ID, err)
			}
			e.instance = inst
		}
	}

	// Second pass: wire pool sharing now that every task's own pool, if
	// any, has been carved.
	for _, d := range descs {
		if d.SharePoolFrom == 0 {
			continue
		}
		src, ok := rt.table[d.SharePoolFrom]
		if !ok || src.pool == nil {
			return fmt.Errorf("bmz: task %d shares pool from %d which has none", d.ID, d.SharePoolFrom)
		}
		rt.table[d.ID].pool = src.pool
	}

	rt.trimTrailing()
	return nil
}

// trimTrailing drops trailing task ids with no queues and no idle
// handler from the run order — the main loop would have nothing to
// poll for them (spec §4.5).
func (rt *Runtime) trimTrailing() {
	for len(rt.order) > 0 {
		last := rt.order[len(rt.order)-1]
		e := rt.table[last]
		if e.downQ != nil || e.upQ != nil || e.desc.Idle != nil {
			break
		}
		rt.order = rt.order[:len(rt.order)-1]
	}
}

// SendDown delivers msg downward to id. If id has a down queue and msg
// is not a Bullet message, it is enqueued for later processing;
// otherwise the down handler runs synchronously right now — this is
// how leaf tasks (IP, ICMP) with no queue of their own stay pure
// functions, and how a Bullet-flagged message bypasses all queueing
// (spec §4.5).
func (rt *Runtime) SendDown(id ID, msg *bmzmsg.Message) {
	e, ok := rt.table[id]
	if !ok {
		msg.Free()
		return
	}
	if e.downQ != nil && !msg.IsBullet() {
		if !e.downQ.Write(msg) {
			msg.Free()
		}
		return
	}
	rt.invokeDown(id, e, msg)
}

// SendUp is the up-direction counterpart of SendDown.
func (rt *Runtime) SendUp(id ID, msg *bmzmsg.Message) {
	e, ok := rt.table[id]
	if !ok {
		msg.Free()
		return
	}
	if e.upQ != nil && !msg.IsBullet() {
		if !e.upQ.Write(msg) {
			msg.Free()
		}
		return
	}
	rt.invokeUp(id, e, msg)
}

func (rt *Runtime) invokeDown(id ID, e *entry, msg *bmzmsg.Message) {
	if e.desc.Down == nil {
		msg.Free()
		return
	}
	prev, prevDir := rt.current, rt.inUp
	rt.current, rt.inUp = id, false
	e.desc.Down(rt, e.instance, msg)
	rt.current, rt.inUp = prev, prevDir
}

func (rt *Runtime) invokeUp(id ID, e *entry, msg *bmzmsg.Message) {
	if e.desc.Up == nil {
		msg.Free()
		return
	}
	prev, prevDir := rt.current, rt.inUp
	rt.current, rt.inUp = id, true
	e.desc.Up(rt, e.instance, msg)
	rt.current, rt.inUp = prev, prevDir
}

// Pushback returns msg to the head of the queue it was just read from
// (the down queue if called from within a Down handler, the up queue
// from within an Up handler) — the standard way a handler that cannot
// make progress (e.g. TCP waiting on send window) asks the scheduler to
// move on to other tasks instead of busy-looping (spec §4.3, §4.5).
// It is a no-op if the current task has no such queue.
func (rt *Runtime) Pushback(msg *bmzmsg.Message) {
	e, ok := rt.table[rt.current]
	if !ok {
		return
	}
	q := e.downQ
	if rt.inUp {
		q = e.upQ
	}
	if q == nil {
		return
	}
	q.Pushback(msg)
}

// NotifyTimeout implements timer.Notifier, dispatching an expired
// timer to its owner's Timeout handler.
func (rt *Runtime) NotifyTimeout(owner timer.TaskID, ownerLocalID uint8) {
	e, ok := rt.table[owner]
	if !ok || e.desc.Timeout == nil {
		return
	}
	prev := rt.current
	rt.current = owner
	e.desc.Timeout(rt, e.instance, ownerLocalID)
	rt.current = prev
}

// Step runs one scheduler turn: for each task in ascending id order, it
// drains at most one down-queue message then at most one up-queue
// message then polls the idle handler, exactly as spec §4.5 describes.
// If handling a down or up message causes that queue to latch a
// pushback, the remaining tasks in this turn are skipped so the pass
// ends early — the very next Step call begins again at the first task,
// giving the pushed-back message another chance promptly. After the
// pass, the tick counter is sampled and any elapsed ticks are delivered
// to the timer wheel.
func (rt *Runtime) Step() {
	for _, id := range rt.order {
		e := rt.table[id]

		if e.downQ != nil {
			if m := e.downQ.Read(); m != nil {
				rt.invokeDown(id, e, m)
				if e.downQ.CheckAndClearPushback() {
					break
				}
			}
		}
		if e.upQ != nil {
			if m := e.upQ.Read(); m != nil {
				rt.invokeUp(id, e, m)
				if e.upQ.CheckAndClearPushback() {
					break
				}
			}
		}
		if e.desc.Idle != nil {
			prev := rt.current
			rt.current = id
			e.desc.Idle(rt, e.instance)
			rt.current = prev
		}
	}

	now := rt.clk.Ticks()
	delta := now - rt.lastTick
	if delta != 0 {
		rt.lastTick = now
		rt.wheel.Run(delta, rt)
	}
}

// Run calls Step continuously until ctx is cancelled. There is no
// suspension point: like the hardware target, this busy-polls (spec
// §5).
func (rt *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			rt.Step()
		}
	}
}
