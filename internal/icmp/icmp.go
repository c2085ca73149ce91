// Package icmp implements ICMP echo request/reply (spec §4.8): the
// only ICMP message type this stack honors. A queueless leaf task,
// invoked synchronously from IP's send_up, mirroring the shape of
// internal/arp and internal/ip.
package icmp

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/checksum"
	"github.com/billforsternz/bmz/internal/ip"
	"github.com/billforsternz/bmz/internal/task"
)

const (
	typeEchoRequest uint8 = 8
	typeEchoReply   uint8 = 0
	codeEcho        uint8 = 0
)

type instance struct {
	ipID task.ID
	pool *bmzmsg.Pool
}

// NewTaskDescriptor returns the ICMP task. Replies are allocated from a
// pool of poolSize messages of poolMsgSize bytes each (spec §4.8:
// "allocate a reply message from the current pool").
func NewTaskDescriptor(id task.ID, ipID task.ID, poolSize, poolMsgSize, poolMsgOffset int) task.Descriptor {
	return task.Descriptor{
		ID:            id,
		PoolSize:      poolSize,
		PoolMsgSize:   poolMsgSize,
		PoolMsgOffset: poolMsgOffset,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			return &instance{ipID: ipID, pool: rt.Pool(id)}, nil
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			icmpUp(rt, inst.(*instance), msg)
		},
	}
}

// icmpUp receives {source IP prepended, ICMP message}. Only type=8
// code=0 echo requests are honored; everything else (and any checksum
// failure) is dropped (spec §4.8, §7's protocol-recoverable policy).
func icmpUp(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < 4+8 {
		msg.Free()
		return
	}
	senderIP := msg.Read4(0)
	body := msg.Readp(4)

	if !checksum.Test(body, 2) {
		msg.Free()
		return
	}
	if body[0] != typeEchoRequest || body[1] != codeEcho {
		msg.Free()
		return
	}

	reply := in.pool.Alloc()
	if reply == nil {
		msg.Free()
		return
	}

	capacity := reply.Capacity()
	n := len(body)
	if n > capacity {
		n = capacity
	}
	reply.WriteBytes(body[:n])
	replyBytes := reply.Readp(0)
	replyBytes[0] = typeEchoReply
	replyBytes[1] = codeEcho
	checksum.Poke(replyBytes, 2)

	reply.Push4(senderIP)
	reply.Push1(ip.ProtoICMP)
	rt.SendDown(in.ipID, reply)

	msg.Free()
}
