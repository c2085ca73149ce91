// Package tserver implements the terminal-server illustrative
// application from spec §2/§4.9's original_source supplement
// (original_source/code/tserver.c): a bridge between one TCP socket
// task and a UART, coalescing UART RX bytes into TCP segments by size
// or flush timer rather than sending one segment per keystroke.
package tserver

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/console"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/billforsternz/bmz/internal/tcp"
	"github.com/billforsternz/bmz/internal/timer"
)

const localFlush uint8 = 0

type instance struct {
	port       console.Port
	sockID     task.ID
	chunkSize  int
	flushTicks uint32
	buf        []byte
	flushTimer timer.Timer
}

// NewTaskDescriptor returns the bridge task wired to sockID (a TCP
// socket task constructed by internal/tcp) and port (the UART). UART RX
// bytes are flushed to the socket once chunkSize bytes have
// accumulated, or flushTicks after the first byte of a partial chunk
// arrived, whichever comes first; later bytes do not restart the flush
// timer — matching tserver.c's coalescing policy.
func NewTaskDescriptor(id task.ID, sockID task.ID, port console.Port, chunkSize int, flushTicks uint32) task.Descriptor {
	return task.Descriptor{
		ID: id,
		Init: func(rt *task.Runtime, arena *task.Arena) (any, error) {
			in := &instance{port: port, sockID: sockID, chunkSize: chunkSize, flushTicks: flushTicks}
			in.flushTimer.OwnerLocalID = localFlush
			return in, nil
		},
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			socketToUART(rt, inst.(*instance), msg)
		},
		Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			socketToUART(rt, inst.(*instance), msg)
		},
		Idle: func(rt *task.Runtime, inst any) {
			uartToSocket(rt, inst.(*instance))
		},
		Timeout: func(rt *task.Runtime, inst any, ownerLocalID uint8) {
			flush(rt, inst.(*instance))
		},
	}
}

// socketToUART handles a message delivered up from the socket: DATA/
// DATA_PUSH payload bytes are written out to the UART; CLOSE is
// observed and otherwise ignored, since there is nothing further to
// bridge once the peer has closed (spec §6's messaging protocol).
func socketToUART(rt *task.Runtime, in *instance, msg *bmzmsg.Message) {
	if msg.Len() < 1 {
		msg.Free()
		return
	}
	code := msg.Pop1()
	switch code {
	case tcp.MsgData, tcp.MsgDataPush:
		data := msg.PopBytes(msg.Len())
		for _, b := range data {
			in.port.PutCh(b)
		}
	case tcp.MsgClose:
	}
	msg.Free()
}

// uartToSocket drains whatever bytes have arrived on the UART since the
// last poll, flushing to the socket once chunkSize is reached.
func uartToSocket(rt *task.Runtime, in *instance) {
	for in.port.KbHit() {
		in.buf = append(in.buf, in.port.GetCh())
		if !in.flushTimer.Running() {
			rt.StartTimerTicks(&in.flushTimer, in.flushTicks)
		}
		if len(in.buf) >= in.chunkSize {
			flush(rt, in)
		}
	}
}

func flush(rt *task.Runtime, in *instance) {
	rt.StopTimer(&in.flushTimer)
	if len(in.buf) == 0 {
		return
	}
	m := bmzmsg.NewMessage(len(in.buf)+8, 4)
	m.WriteBytes(in.buf)
	m.Push1(tcp.MsgDataPush)
	rt.SendDown(in.sockID, m)
	in.buf = in.buf[:0]
}
