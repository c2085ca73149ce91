// Package ip implements outbound IPv4 datagram composition and
// inbound validation/dispatch (spec §4.7): a routing rule (subnet mask
// with classful fallback, default gateway), the 20-byte fixed header,
// and protocol demultiplexing to ICMP or TCP.
//
// IP is a queueless leaf task in the same sense ARP is: it has no
// queue of its own and is invoked synchronously by send_down (from
// TCP/ICMP) and send_up (from the Ethernet task, which dispatches
// IP-typed frames straight to IP), matching the teacher's pattern of routing.Route as a pure
// data/decision type consumed by callers rather than owning a
// goroutine.
package ip

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/checksum"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/task"
)

// Protocol numbers this stack dispatches on (spec §4.7, §4.9).
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
)

const (
	headerLen      = 20
	ttl       byte = 40
	verIHL    byte = 0x45 // version=4, ihl=5 (no options, spec §4.7)
)

type instance struct {
	cfg           *config.Config
	arpID         task.ID
	icmpID, tcpID task.ID
	nextID        uint16 // identification counter, seeded once from the high-res clock
}

// NewTaskDescriptor returns the IP task.
func NewTaskDescriptor(id task.ID, arpID, icmpID, tcpID task.ID, cfg *config.Config, clk clock.Source) task.Descriptor {
	return task.Descriptor{
		ID: id,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			return &instance{cfg: cfg, arpID: arpID, icmpID: icmpID, tcpID: tcpID, nextID: uint16(clk.HighRes())}, nil
		},
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			ipDown(rt, inst.(*instance), msg)
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			ipUp(rt, inst.(*instance), msg)
		},
	}
}

// ipDown consumes a message pre-prefixed with {protocol byte,
// destination IP}, builds the IPv4 header, routes to find the next
// hop, and hands off to ARP with the next hop prepended (spec §4.7).
func ipDown(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < 5 {
		msg.Free()
		return
	}
	proto := msg.Pop1()
	dst := msg.Pop4()

	totalLength := headerLen + msg.Len()
	id := in.nextID
	in.nextID++

	// Pushes run in reverse field order since PushBytes prepends.
	msg.Push4(dst)
	msg.Push4(in.cfg.OwnIP)
	msg.Push2(0) // checksum placeholder
	msg.Push1(proto)
	msg.Push1(ttl)
	msg.Push2(0) // flags/fragment offset = 0 (no fragmentation, spec §1 non-goal)
	msg.Push2(id)
	msg.Push2(uint16(totalLength))
	msg.Push1(0) // tos
	msg.Push1(verIHL)

	hdr := msg.Readp(0)[:headerLen]
	checksum.Poke(hdr, 10)

	nextHop := route(in.cfg, dst)
	msg.Push4(nextHop)
	rt.SendDown(in.arpID, msg)
}

// ipUp validates and dispatches an inbound IPv4 datagram (spec §4.7).
func ipUp(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < headerLen {
		msg.Free()
		return
	}
	b := msg.Readp(0)
	version := b[0] >> 4
	ihl := b[0] & 0x0F
	if version != 4 || ihl < 5 {
		msg.Free()
		return
	}
	hlen := int(ihl) * 4
	if hlen > msg.Len() {
		msg.Free()
		return
	}
	totalLength := int(msg.Read2(2))
	if totalLength > msg.Len() || totalLength < hlen {
		msg.Free()
		return
	}
	flagsFrag := msg.Read2(6)
	if flagsFrag&0x3FFF != 0 {
		msg.Free()
		return
	}
	if !checksum.Test(b[:hlen], 10) {
		msg.Free()
		return
	}

	protocol := b[9]
	srcBytes := []byte{b[12], b[13], b[14], b[15]}

	msg.Truncate(totalLength)
	msg.PopN(hlen)
	msg.PushBytes(srcBytes)

	switch protocol {
	case ProtoICMP:
		rt.SendUp(in.icmpID, msg)
	case ProtoTCP:
		rt.SendUp(in.tcpID, msg)
	default:
		msg.Free()
	}
}

// route implements spec §4.7's rule: if dst and own share the
// (possibly classful-default) subnet, the next hop is dst itself;
// otherwise the configured default gateway.
func route(cfg *config.Config, dst uint32) uint32 {
	mask := cfg.SubnetMask
	if mask == 0 {
		mask = classfulMask(cfg.OwnIP)
	}
	if dst&mask == cfg.OwnIP&mask {
		return dst
	}
	return cfg.DefaultGateway
}

// classfulMask infers A=/8, B=/16, C=/24 from ip's leading bits, for
// nodes with no explicit subnet mask configured.
func classfulMask(ip uint32) uint32 {
	firstOctet := ip >> 24
	switch {
	case firstOctet < 128:
		return 0xFF000000
	case firstOctet < 192:
		return 0xFFFF0000
	default:
		return 0xFFFFFF00
	}
}
