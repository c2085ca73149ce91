// Package arp implements the 4-entry ARP cache state machine (spec
// §4.6): IDLE/WAITING/BOUND per entry, request/reply emission over
// Ethernet, a pending-frame hold queue per entry, and the retry/flush
// timers that drive eviction.
//
// Shaped after the teacher's liveness.Session state machine (a small
// enum driven by timer expiry and inbound observation), reworked from
// one session per BFD peer into one entry per destination IP, with the
// teacher's state transition methods replaced by the cache-entry
// selection rule spec §4.6 spells out for handling cache pressure.
package arp

import (
	"log/slog"

	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/ether"
	"github.com/billforsternz/bmz/internal/queue"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/billforsternz/bmz/internal/timer"
)

const (
	hwTypeEthernet uint16 = 1
	protoTypeIP    uint16 = 0x0800
	hwLen          uint8  = 6
	addrLen        uint8  = 4

	opRequest uint16 = 1
	opReply   uint16 = 2

	payloadLen = 28

	retryLimit   = 3
	retrySeconds = 1.0
	flushSeconds = 600.0

	// DefaultCacheSize and DefaultHoldQueueCapacity match the spec's
	// "4-entry cache" and its "short hold-queue" per entry.
	DefaultCacheSize         = 4
	DefaultHoldQueueCapacity = 4
)

var (
	retryTicks = uint32(retrySeconds * float64(clock.TicksPerSecond))
	flushTicks = uint32(flushSeconds * float64(clock.TicksPerSecond))
)

type cacheState uint8

const (
	stateIdle cacheState = iota
	stateWaiting
	stateBound
)

func (s cacheState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaiting:
		return "waiting"
	case stateBound:
		return "bound"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	state   cacheState
	ip      uint32
	mac     [6]byte
	timer   timer.Timer
	retries int
	hold    *queue.Queue
}

type instance struct {
	log     *slog.Logger
	cfg     *config.Config
	etherID task.ID
	cache   []*cacheEntry
}

// NewTaskDescriptor returns the ARP task: queueless (spec §4.5's
// "leaf tasks... be pure functions without their own queues" — ARP is
// invoked synchronously by IP's send_down and Ethernet's send_up), with
// cacheSize cache entries each holding up to holdQueueCapacity pending
// outbound messages.
func NewTaskDescriptor(id task.ID, etherID task.ID, cfg *config.Config, cacheSize, holdQueueCapacity int) task.Descriptor {
	return task.Descriptor{
		ID: id,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			in := &instance{log: rt.Logger(), cfg: cfg, etherID: etherID}
			in.cache = make([]*cacheEntry, cacheSize)
			for i := range in.cache {
				arena.Take(holdQueueCapacity * 8)
				e := &cacheEntry{hold: queue.New(holdQueueCapacity)}
				e.timer.OwnerLocalID = uint8(i)
				in.cache[i] = e
			}
			return in, nil
		},
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			arpDown(rt, inst.(*instance), msg)
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			arpUp(rt, inst.(*instance), msg)
		},
		Timeout: func(rt *task.Runtime, inst any, localID uint8) {
			arpTimeout(rt, inst.(*instance), localID)
		},
	}
}

// arpDown handles a message prepended with the 4-byte next-hop IP (spec
// §4.6): forward immediately if a BOUND entry already has that IP's
// MAC; otherwise pick an entry via the cache-pressure selection rule,
// hold the message there, and kick a request if the entry was IDLE.
func arpDown(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < 4 {
		msg.Free()
		return
	}
	nextHop := msg.Pop4()

	for _, e := range in.cache {
		if e.state == stateBound && e.ip == nextHop {
			forward(rt, in, e, msg)
			return
		}
	}

	e := selectEntry(in, nextHop)
	if e == nil {
		msg.Free()
		return
	}
	if !e.hold.Write(msg) {
		msg.Free()
	}
	if e.state == stateIdle {
		emitRequest(rt, in, nextHop)
		e.state = stateWaiting
		e.retries = 0
		rt.StartTimerTicks(&e.timer, retryTicks)
	}
}

// selectEntry implements spec §4.6's selection rule: prefer a matching
// WAITING/BOUND entry; else the first IDLE entry; else evict the BOUND
// entry with least time remaining; else reluctantly evict the WAITING
// entry with the highest retry count.
func selectEntry(in *instance, ip uint32) *cacheEntry {
	for _, e := range in.cache {
		if e.ip == ip && (e.state == stateWaiting || e.state == stateBound) {
			return e
		}
	}
	for _, e := range in.cache {
		if e.state == stateIdle {
			e.ip = ip
			return e
		}
	}

	var leastBound *cacheEntry
	for _, e := range in.cache {
		if e.state == stateBound {
			if leastBound == nil || e.timer.Read() < leastBound.timer.Read() {
				leastBound = e
			}
		}
	}
	if leastBound != nil {
		leastBound.state = stateIdle
		leastBound.mac = [6]byte{}
		leastBound.ip = ip
		leastBound.retries = 0
		return leastBound
	}

	var worstWaiting *cacheEntry
	for _, e := range in.cache {
		if e.state == stateWaiting {
			if worstWaiting == nil || e.retries > worstWaiting.retries {
				worstWaiting = e
			}
		}
	}
	if worstWaiting != nil {
		worstWaiting.hold.Clear()
		worstWaiting.state = stateIdle
		worstWaiting.ip = ip
		worstWaiting.retries = 0
		return worstWaiting
	}
	return nil
}

// arpTimeout handles a retry (WAITING) or flush (BOUND) expiry.
func arpTimeout(rt *task.Runtime, in *instance, localID uint8) {
	if int(localID) >= len(in.cache) {
		return
	}
	e := in.cache[localID]
	switch e.state {
	case stateWaiting:
		e.retries++
		if e.retries >= retryLimit {
			e.hold.Clear()
			e.state = stateIdle
			e.mac = [6]byte{}
			e.retries = 0
		} else {
			emitRequest(rt, in, e.ip)
			rt.StartTimerTicks(&e.timer, retryTicks)
		}
	case stateBound:
		e.state = stateIdle
		e.mac = [6]byte{}
	}
}

// arpUp handles an inbound ARP payload delivered from Ethernet (spec
// §4.6's inbound accept filter, and the WAITING→BOUND transition on a
// matching reply or request).
func arpUp(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < payloadLen {
		msg.Free()
		return
	}
	hwType := msg.Read2(0)
	protoType := msg.Read2(2)
	hwl := msg.Read1(4)
	addrl := msg.Read1(5)
	opcode := msg.Read2(6)
	senderEth := msg.Read6(8)
	senderIP := msg.Read4(14)
	targetIP := msg.Read4(24)

	if hwType != hwTypeEthernet || protoType != protoTypeIP || hwl != hwLen || addrl != addrLen ||
		targetIP != in.cfg.OwnIP || (opcode != opRequest && opcode != opReply) {
		msg.Free()
		return
	}

	for _, e := range in.cache {
		if e.ip == senderIP && e.state == stateWaiting {
			e.mac = senderEth
			e.state = stateBound
			e.retries = 0
			rt.StartTimerTicks(&e.timer, flushTicks)
			for {
				held := e.hold.Read()
				if held == nil {
					break
				}
				forward(rt, in, e, held)
			}
			break
		}
	}

	if opcode == opRequest {
		reply := bmzmsg.NewMessage(ether.HeaderLen+payloadLen, ether.HeaderLen)
		buildPayload(reply, opReply, in.cfg.OwnEther, in.cfg.OwnIP, senderEth, senderIP)
		ether.PrependHeader(reply, senderEth, in.cfg.OwnEther, ether.EtherTypeARP)
		rt.SendDown(in.etherID, reply)
	}
	msg.Free()
}

// forward prepends an Ethernet header addressed to e's bound MAC and
// hands the IP datagram to the Ethernet task.
func forward(rt *task.Runtime, in *instance, e *cacheEntry, msg *bmzmsg.Message) {
	ether.PrependHeader(msg, e.mac, in.cfg.OwnEther, ether.EtherTypeIP)
	rt.SendDown(in.etherID, msg)
}

// emitRequest broadcasts an ARP request for ip.
func emitRequest(rt *task.Runtime, in *instance, ip uint32) {
	m := bmzmsg.NewMessage(ether.HeaderLen+payloadLen, ether.HeaderLen)
	buildPayload(m, opRequest, in.cfg.OwnEther, in.cfg.OwnIP, [6]byte{}, ip)
	ether.PrependHeader(m, ether.Broadcast, in.cfg.OwnEther, ether.EtherTypeARP)
	rt.SendDown(in.etherID, m)
}

// buildPayload writes the 28-byte ARP message (spec §4.6, §6).
func buildPayload(m *bmzmsg.Message, opcode uint16, senderEth [6]byte, senderIP uint32, targetEth [6]byte, targetIP uint32) {
	m.Write2(hwTypeEthernet)
	m.Write2(protoTypeIP)
	m.Write1(hwLen)
	m.Write1(addrLen)
	m.Write2(opcode)
	m.Write6(senderEth)
	m.Write4(senderIP)
	m.Write6(targetEth)
	m.Write4(targetIP)
}
