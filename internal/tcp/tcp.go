// Package tcp implements TCP segment encode/decode with pseudo-header
// checksum, inbound demultiplexing to per-connection socket tasks, and
// the per-socket connection state machine (spec §4.9): the largest
// single component in the stack.
//
// The package is split the way the teacher splits its BFD/BGP
// concerns: tcp.go holds the demux task (segment wire format, checksum,
// socket selection, RST-on-unknown-SYN) grounded on
// `client/doublezerod/pkg/bgp`'s inbound-message dispatch loop; socket.go
// holds the per-connection state machine grounded on
// `client/doublezerod/pkg/liveness.Session`'s state-enum-driven session.
package tcp

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/checksum"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/ip"
	"github.com/billforsternz/bmz/internal/task"
)

// Flag bits of the TCP code-bits field (spec §4.9's "code bits").
const (
	flagFIN uint16 = 0x01
	flagSYN uint16 = 0x02
	flagRST uint16 = 0x04
	flagPSH uint16 = 0x08
	flagACK uint16 = 0x10
)

// Socket-task messaging protocol codes (spec §6).
const (
	MsgOpenActive  uint8 = 0
	MsgOpenPassive uint8 = 1
	MsgData        uint8 = 2
	MsgDataPush    uint8 = 3
	MsgClose       uint8 = 4
	MsgAbort       uint8 = 5
)

const (
	headerLen = 20
	pseudoLen = 12
)

// Registry lets the demux task locate the socket task responsible for
// an inbound segment (spec §4.9's tcpsock_select), without needing a
// central task-table scan: sockets register themselves at Init.
type Registry struct {
	sockets []*socketInstance
}

// NewRegistry returns an empty socket registry, to be shared between
// the demux task and every socket task constructed with it.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) register(s *socketInstance) { r.sockets = append(r.sockets, s) }

// Select returns the task id of the socket currently bound to
// (locPort, remPort, remIP), else a LISTEN-state socket on locPort,
// else false (spec §4.9's tcpsock_select).
func (r *Registry) Select(locPort, remPort uint16, remIP uint32) (task.ID, bool) {
	for _, s := range r.sockets {
		if s.state != StateClosed && s.state != StateListen &&
			s.locPort == locPort && s.remPort == remPort && s.remIP == remIP {
			return s.id, true
		}
	}
	for _, s := range r.sockets {
		if s.state == StateListen && s.locPort == locPort {
			return s.id, true
		}
	}
	return 0, false
}

type demux struct {
	cfg      *config.Config
	ipID     task.ID
	registry *Registry
	pool     *bmzmsg.Pool
}

// rstPoolSize and rstPoolMsgOffset size the demux's RST pool: a handful
// of unbound-SYN resets can be in flight awaiting ARP resolution at
// once, each needing headroom for the 20-byte TCP header, the 20-byte
// IP header and the 14-byte Ethernet header pushed in front of it on
// the way down (the 12-byte pseudo-header used during tcpDown fits
// within that room).
const (
	rstPoolSize      = 4
	rstPoolMsgSize   = 64
	rstPoolMsgOffset = 54
)

// NewTaskDescriptor returns the TCP demux task: queueless, like ip and
// arp, invoked synchronously by IP's send_up and by socket tasks'
// send_down.
func NewTaskDescriptor(id task.ID, ipID task.ID, cfg *config.Config, registry *Registry) task.Descriptor {
	return task.Descriptor{
		ID:            id,
		PoolSize:      rstPoolSize,
		PoolMsgSize:   rstPoolMsgSize,
		PoolMsgOffset: rstPoolMsgOffset,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			return &demux{
				cfg:      cfg,
				ipID:     ipID,
				registry: registry,
				pool:     rt.Pool(id),
			}, nil
		},
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			tcpDown(rt, inst.(*demux), msg)
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			tcpUp(rt, inst.(*demux), msg)
		},
	}
}

// tcpDown consumes a message pre-prefixed with {dst IP, src port, dst
// port, seq, ack, code bits, window, user data} (spec §4.9's "Segment
// encoding"), builds the TCP header and pseudo-header, computes the
// checksum, and sends the segment to IP.
func tcpDown(rt *task.Runtime, d *demux, msg *bmzmsg.Message) {
	if msg.Len() < 4+2+2+4+4+2+2 {
		msg.Free()
		return
	}
	dstIP := msg.Pop4()
	srcPort := msg.Pop2()
	dstPort := msg.Pop2()
	seq := msg.Pop4()
	ack := msg.Pop4()
	codeBits := msg.Pop2()
	window := msg.Pop2()

	segmentLen := headerLen + msg.Len()

	msg.Push2(0) // urgent pointer
	msg.Push2(0) // checksum placeholder
	msg.Push2(window)
	msg.Push2(uint16(5)<<12 | codeBits) // hlen=5 (no options), code bits
	msg.Push4(ack)
	msg.Push4(seq)
	msg.Push2(dstPort)
	msg.Push2(srcPort)

	msg.Push2(uint16(segmentLen))
	msg.Push1(ip.ProtoTCP)
	msg.Push1(0)
	msg.Push4(dstIP)
	msg.Push4(d.cfg.OwnIP)

	full := msg.Readp(0)
	checksum.Poke(full, pseudoLen+16)
	msg.PopN(pseudoLen)

	msg.Push4(dstIP)
	msg.Push1(ip.ProtoTCP)
	rt.SendDown(d.ipID, msg)
}

// tcpUp receives {src IP prepended, TCP segment} from IP (spec §4.9's
// "Segment decoding"). On a matching socket, forwards {remote IP,
// remote port, seq, ack, code bits, window, payload} up to it — the
// remote endpoint is included (beyond the spec's literal list) so a
// LISTEN-state socket can learn and bind it on accept, since the demux
// is the only place that still has the inbound header in hand.
func tcpUp(rt *task.Runtime, d *demux, msg *bmzmsg.Message) {
	if msg.Len() < 4+headerLen {
		msg.Free()
		return
	}
	srcIP := msg.Pop4()
	segLen := msg.Len()
	if segLen < headerLen {
		msg.Free()
		return
	}

	hlenCode := msg.Read2(12)
	hlen := int(hlenCode>>12) * 4
	if hlen < headerLen || hlen > segLen {
		msg.Free()
		return
	}

	msg.Push2(uint16(segLen))
	msg.Push1(ip.ProtoTCP)
	msg.Push1(0)
	msg.Push4(d.cfg.OwnIP)
	msg.Push4(srcIP)
	full := msg.Readp(0)
	ok := checksum.Test(full, pseudoLen+16)
	msg.PopN(pseudoLen)
	if !ok {
		msg.Free()
		return
	}

	srcPort := msg.Read2(0)
	dstPort := msg.Read2(2)
	seq := msg.Read4(4)
	ackNum := msg.Read4(8)
	codeBits := msg.Read2(12) & 0x0FFF
	window := msg.Read2(14)
	msg.PopN(headerLen)

	if sel, ok := d.registry.Select(dstPort, srcPort, srcIP); ok {
		msg.Push2(window)
		msg.Push2(codeBits)
		msg.Push4(ackNum)
		msg.Push4(seq)
		msg.Push2(srcPort)
		msg.Push4(srcIP)
		rt.SendUp(sel, msg)
		return
	}

	if codeBits&flagSYN != 0 {
		emitRST(rt, d, srcIP, srcPort, dstPort, seq)
	}
	msg.Free()
}

// emitRST answers an unbound SYN with a reset (spec §4.9, §7's
// "Remote-driven" policy). The reset is allocated as an ordinary
// NORMAL message from the demux's own pool, exactly like ICMP's echo
// reply (internal/icmp) — not a BULLET message, since a reset to a
// next hop without a bound ARP entry must be able to sit in ARP's hold
// queue like any other outbound datagram; spec §4.5 reserves BULLET for
// messages that must bypass queueing entirely; allocation failure is a
// resource-pressure drop, not a retry (spec §7).
func emitRST(rt *task.Runtime, d *demux, dstIP uint32, remotePort, localPort uint16, theirSeq uint32) {
	m := d.pool.Alloc()
	if m == nil {
		return
	}
	m.Push2(0)
	m.Push2(flagRST | flagACK)
	m.Push4(theirSeq + 1)
	m.Push4(0)
	m.Push2(remotePort)
	m.Push2(localPort)
	m.Push4(dstIP)
	tcpDown(rt, d, m)
}
