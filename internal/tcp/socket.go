package tcp

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/billforsternz/bmz/internal/timer"
)

// State is a connection's position in the TCP state machine (spec
// §4.9). Transitions follow the canonical RFC 793 graph restricted to
// the design-level commitments spec §4.9 names explicitly: no
// out-of-order receive buffering, no retransmission queue beyond the
// single most recent unacked segment, delayed ACK of exactly one tick.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	localRetry      uint8 = 0
	localDelayedAck uint8 = 1
)

const (
	retrySeconds    = 1.0
	timeWaitSeconds = 4.0
	maxRetries      = 5
)

var retryTicks = uint32(retrySeconds * float64(clock.TicksPerSecond))
var timeWaitTicks = uint32(timeWaitSeconds * float64(clock.TicksPerSecond))

// ListenCallback decides whether to accept an inbound SYN on a
// listening socket (spec §6's on_listen hook). actualDstPort equals
// listenPort for an ordinary socket; a future "magic port" listener
// could distinguish them, which is why both are passed.
type ListenCallback func(listenPort, actualDstPort uint16) bool

type socketInstance struct {
	id       task.ID
	demuxID  task.ID
	appID    task.ID
	cfg      *config.Config
	registry *Registry
	onListen ListenCallback

	pool        *bmzmsg.Pool
	poolMsgSize int

	state State

	locPort, remPort uint16
	remIP            uint32

	sndUna, sndNxt uint32
	sndWnd         uint32
	rcvNxt         uint32

	havePending  bool
	pendingSeq   uint32
	pendingFlags uint16
	pendingData  []byte
	retryCount   int

	delayedAckPending bool

	retryTimer      timer.Timer
	delayedAckTimer timer.Timer
}

// NewSocketTaskDescriptor returns one connection slot: a task with its
// own receive-data pool (recvPoolSize messages of recvPoolMsgSize bytes
// each), registered into registry so the demux task can route inbound
// segments to it (spec §4.9, §6).
func NewSocketTaskDescriptor(id, demuxID, appID task.ID, cfg *config.Config, registry *Registry, recvPoolSize, recvPoolMsgSize int, onListen ListenCallback) task.Descriptor {
	return task.Descriptor{
		ID:          id,
		PoolSize:    recvPoolSize,
		PoolMsgSize: recvPoolMsgSize,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			s := &socketInstance{
				id:          id,
				demuxID:     demuxID,
				appID:       appID,
				cfg:         cfg,
				registry:    registry,
				onListen:    onListen,
				pool:        rt.Pool(id),
				poolMsgSize: recvPoolMsgSize,
			}
			s.retryTimer.OwnerLocalID = localRetry
			s.delayedAckTimer.OwnerLocalID = localDelayedAck
			registry.register(s)
			return s, nil
		},
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			socketDown(rt, inst.(*socketInstance), msg)
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			socketUp(rt, inst.(*socketInstance), msg)
		},
		Timeout: func(rt *task.Runtime, inst any, ownerLocalID uint8) {
			socketTimeout(rt, inst.(*socketInstance), ownerLocalID)
		},
	}
}

func publishState(rt *task.Runtime, s *socketInstance) {
	switch s.state {
	case StateClosed:
		rt.Publish(s.id, task.StateIdle)
	case StateEstablished:
		rt.Publish(s.id, task.StateActive)
	default:
		rt.Publish(s.id, task.StateOther)
	}
}

func (s *socketInstance) windowBytes() uint16 {
	if s.pool == nil {
		return 0
	}
	free := s.pool.Len() - s.pool.InUseCount()
	w := free * s.poolMsgSize
	if w > 0xFFFF {
		w = 0xFFFF
	}
	return uint16(w)
}

// sendSegment builds the {dst IP, src port, dst port, seq, ack, code
// bits, window, payload} prefix tcpDown expects and hands it off. Every
// call piggybacks the current rcv.nxt as the ack field, which is why it
// also clears any pending delayed ACK (spec §4.9's "a fresh outbound
// segment always carries the current ack, so a pending delayed ACK is
// redundant"). The message starts with 54 bytes of headroom, enough for
// the TCP, IP and Ethernet headers pushed in front of it further down.
func sendSegment(rt *task.Runtime, s *socketInstance, seq uint32, flags uint16, payload []byte) {
	s.delayedAckPending = false
	rt.StopTimer(&s.delayedAckTimer)

	m := bmzmsg.NewMessage(len(payload)+54, 54)
	if len(payload) > 0 {
		m.WriteBytes(payload)
	}
	m.Push2(s.windowBytes())
	m.Push2(flags)
	m.Push4(s.rcvNxt)
	m.Push4(seq)
	m.Push2(s.remPort)
	m.Push2(s.locPort)
	m.Push4(s.remIP)
	rt.SendDown(s.demuxID, m)
}

func armRetry(rt *task.Runtime, s *socketInstance) {
	rt.StartTimerTicks(&s.retryTimer, retryTicks)
}

func armTimeWait(rt *task.Runtime, s *socketInstance) {
	rt.StartTimerTicks(&s.retryTimer, timeWaitTicks)
}

func scheduleDelayedAck(rt *task.Runtime, s *socketInstance) {
	if s.delayedAckPending {
		return
	}
	s.delayedAckPending = true
	rt.StartTimerTicks(&s.delayedAckTimer, 1)
}

func notifyApp(rt *task.Runtime, s *socketInstance, code uint8) {
	m := bmzmsg.NewMessage(1, 0)
	m.Write1(code)
	rt.SendUp(s.appID, m)
}

func resetToClosed(rt *task.Runtime, s *socketInstance) {
	rt.StopTimer(&s.retryTimer)
	rt.StopTimer(&s.delayedAckTimer)
	s.state = StateClosed
	s.havePending = false
	s.delayedAckPending = false
	s.locPort, s.remPort, s.remIP = 0, 0, 0
}

func abortToClosed(rt *task.Runtime, s *socketInstance) {
	notifyApp(rt, s, MsgClose)
	resetToClosed(rt, s)
}

// socketDown handles an application command: open (active/passive),
// data (with or without push), close, or abort (spec §6's messaging
// protocol).
func socketDown(rt *task.Runtime, s *socketInstance, msg *bmzmsg.Message) {
	if msg.Len() < 1 {
		msg.Free()
		return
	}
	code := msg.Pop1()
	switch code {
	case MsgOpenPassive:
		if s.state == StateClosed {
			s.locPort = msg.Pop2()
			s.state = StateListen
		}
	case MsgOpenActive:
		if s.state == StateClosed {
			s.locPort = msg.Pop2()
			s.remPort = msg.Pop2()
			s.remIP = msg.Pop4()
			s.sndUna = 0
			s.sndNxt = 1
			s.retryCount = 0
			s.state = StateSynSent
			sendSegment(rt, s, 0, flagSYN, nil)
			armRetry(rt, s)
		}
	case MsgData, MsgDataPush:
		if s.state == StateEstablished || s.state == StateCloseWait {
			data := msg.PopBytes(msg.Len())
			flags := flagACK
			if code == MsgDataPush {
				flags |= flagPSH
			}
			seq := s.sndNxt
			sendSegment(rt, s, seq, flags, data)
			s.sndNxt += uint32(len(data))
			s.havePending = true
			s.pendingSeq = seq
			s.pendingFlags = flags
			s.pendingData = data
			s.retryCount = 0
			armRetry(rt, s)
		}
	case MsgClose:
		switch s.state {
		case StateEstablished, StateCloseWait:
			seq := s.sndNxt
			sendSegment(rt, s, seq, flagFIN|flagACK, nil)
			s.sndNxt++
			s.havePending = true
			s.pendingSeq = seq
			s.pendingFlags = flagFIN | flagACK
			s.pendingData = nil
			s.retryCount = 0
			armRetry(rt, s)
			if s.state == StateEstablished {
				s.state = StateFinWait1
			} else {
				s.state = StateLastAck
			}
		}
	case MsgAbort:
		if s.state != StateClosed {
			sendSegment(rt, s, s.sndNxt, flagRST, nil)
		}
		resetToClosed(rt, s)
	}
	msg.Free()
	publishState(rt, s)
}

// socketUp handles one inbound segment, already routed to this socket
// by the demux's tcpsock_select (spec §4.9). Format: {remote IP,
// remote port, seq, ack, code bits, window, payload}.
func socketUp(rt *task.Runtime, s *socketInstance, msg *bmzmsg.Message) {
	if msg.Len() < 4+2+4+4+2+2 {
		msg.Free()
		return
	}
	remIP := msg.Pop4()
	remPort := msg.Pop2()
	seq := msg.Pop4()
	ackNum := msg.Pop4()
	flags := msg.Pop2()
	window := msg.Pop2()
	payload := msg.PopBytes(msg.Len())

	if flags&flagRST != 0 {
		abortToClosed(rt, s)
		msg.Free()
		publishState(rt, s)
		return
	}

	switch s.state {
	case StateListen:
		if flags&flagSYN != 0 {
			accept := true
			if s.onListen != nil {
				accept = s.onListen(s.locPort, s.locPort)
			}
			if accept {
				s.remIP = remIP
				s.remPort = remPort
				s.rcvNxt = seq + 1
				s.sndUna = 0
				s.sndNxt = 1
				s.retryCount = 0
				s.state = StateSynReceived
				sendSegment(rt, s, 0, flagSYN|flagACK, nil)
				armRetry(rt, s)
			}
		}

	case StateSynSent:
		if flags&flagSYN != 0 && flags&flagACK != 0 && ackNum == s.sndNxt {
			s.rcvNxt = seq + 1
			s.sndUna = ackNum
			s.sndWnd = uint32(window)
			rt.StopTimer(&s.retryTimer)
			sendSegment(rt, s, s.sndNxt, flagACK, nil)
			s.state = StateEstablished
		}

	case StateSynReceived:
		if flags&flagACK != 0 && ackNum == s.sndNxt {
			s.sndUna = ackNum
			s.sndWnd = uint32(window)
			rt.StopTimer(&s.retryTimer)
			s.state = StateEstablished
		}

	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		handleDataAndAck(rt, s, seq, ackNum, flags, window, payload)

	case StateTimeWait:
		// a retransmitted FIN while we wait out the quiet period: ack it
		// again and restart the quiet timer (spec §4.9).
		if flags&flagFIN != 0 {
			sendSegment(rt, s, s.sndNxt, flagACK, nil)
			armTimeWait(rt, s)
		}
	}

	msg.Free()
	publishState(rt, s)
}

func handleDataAndAck(rt *task.Runtime, s *socketInstance, seq, ackNum uint32, flags, window uint16, payload []byte) {
	if ackNum > s.sndUna && ackNum <= s.sndNxt {
		s.sndUna = ackNum
		pendingLen := uint32(len(s.pendingData))
		if s.pendingFlags&flagFIN != 0 {
			pendingLen++ // the FIN itself consumes one sequence number
		}
		if s.havePending && ackNum >= s.pendingSeq+pendingLen {
			s.havePending = false
			rt.StopTimer(&s.retryTimer)
		}
	}
	s.sndWnd = uint32(window)

	if len(payload) > 0 || flags&flagFIN != 0 {
		if seq == s.rcvNxt {
			if len(payload) > 0 {
				code := uint8(MsgData)
				if flags&flagPSH != 0 {
					code = MsgDataPush
				}
				up := bmzmsg.NewMessage(len(payload)+8, 4)
				up.WriteBytes(payload)
				up.Push1(code)
				rt.SendUp(s.appID, up)
				s.rcvNxt += uint32(len(payload))
			}
			if flags&flagFIN != 0 {
				s.rcvNxt++
				switch s.state {
				case StateEstablished:
					s.state = StateCloseWait
					notifyApp(rt, s, MsgClose)
				case StateFinWait1:
					// simultaneous close (RFC 793): only skip straight to
					// TIME_WAIT if our own outstanding FIN is already acked;
					// otherwise wait in CLOSING for that ack to catch up.
					if s.sndUna == s.sndNxt {
						s.state = StateTimeWait
						armTimeWait(rt, s)
					} else {
						s.state = StateClosing
					}
				case StateFinWait2:
					s.state = StateTimeWait
					armTimeWait(rt, s)
				}
			}
			scheduleDelayedAck(rt, s)
		}
		// seq != rcv.nxt: out-of-window, dropped without buffering
		// (spec §4.9's no-reassembly commitment, invariant 6).
	}

	switch s.state {
	case StateFinWait1:
		if ackNum == s.sndNxt {
			s.state = StateFinWait2
		}
	case StateClosing:
		if ackNum == s.sndNxt {
			s.state = StateTimeWait
			armTimeWait(rt, s)
		}
	case StateLastAck:
		if ackNum == s.sndNxt {
			resetToClosed(rt, s)
		}
	}
}

func socketTimeout(rt *task.Runtime, s *socketInstance, ownerLocalID uint8) {
	switch ownerLocalID {
	case localRetry:
		if s.state == StateTimeWait {
			resetToClosed(rt, s)
			break
		}
		retryTimeout(rt, s)
	case localDelayedAck:
		if s.delayedAckPending {
			s.delayedAckPending = false
			sendSegment(rt, s, s.sndNxt, flagACK, nil)
		}
	}
	publishState(rt, s)
}

func retryTimeout(rt *task.Runtime, s *socketInstance) {
	switch s.state {
	case StateSynSent:
		s.retryCount++
		if s.retryCount >= maxRetries {
			abortToClosed(rt, s)
			return
		}
		sendSegment(rt, s, 0, flagSYN, nil)
		armRetry(rt, s)
	case StateSynReceived:
		s.retryCount++
		if s.retryCount >= maxRetries {
			abortToClosed(rt, s)
			return
		}
		sendSegment(rt, s, 0, flagSYN|flagACK, nil)
		s.sndNxt = 1
		armRetry(rt, s)
	default:
		if s.havePending {
			s.retryCount++
			if s.retryCount >= maxRetries {
				abortToClosed(rt, s)
				return
			}
			sendSegment(rt, s, s.pendingSeq, s.pendingFlags, s.pendingData)
			armRetry(rt, s)
		}
	}
}
