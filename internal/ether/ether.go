// Package ether implements the Ethernet II framing and demultiplexing
// step between the MAC driver and ARP/IP (spec §2, §6): a 14-byte
// dst/src/ethertype header, pure encode/decode helpers, and a thin task
// that turns inbound hardware DMA slots into Messages in place (spec
// §5, §9) and dispatches them by ethertype.
//
// The MAC driver itself (DMA ring, PHY bring-up) is an external
// collaborator (spec §1): this package only defines the Driver contract
// it must satisfy.
package ether

import (
	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/task"
)

// EtherType values this stack recognizes (spec §4.6, §4.7).
const (
	EtherTypeIP  uint16 = 0x0800
	EtherTypeARP uint16 = 0x0806
)

// HeaderLen is the fixed Ethernet II header size: 6-byte dst, 6-byte
// src, 2-byte ethertype.
const HeaderLen = 14

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// RxSlot is one inbound frame as surfaced by the MAC driver: a byte
// range plus the hook that returns it to hardware once released (spec
// §6: "surfaces received frames as byte ranges with base, length, and
// a next-descriptor link").
type RxSlot struct {
	Data    []byte
	Release bmzmsg.ReleaseFunc
}

// Driver is the contract the MAC hardware driver must satisfy (spec
// §1, §6). Send transmits an already-framed Ethernet byte sequence.
// Poll is a non-blocking check for one ready inbound frame, consumed by
// this package's idle handler.
type Driver interface {
	Send(frame []byte)
	Poll() (RxSlot, bool)
}

// PrependHeader prepends a 14-byte Ethernet header in front of msg's
// current contents — used by ARP once it has resolved a next-hop's MAC
// address (spec §4.6).
func PrependHeader(msg *bmzmsg.Message, dst, src [6]byte, etherType uint16) {
	msg.Push2(etherType)
	msg.Push6(src)
	msg.Push6(dst)
}

// NewTaskDescriptor returns the queueless Ethernet-demux task: its down
// handler is final-mile transmission (a fully-framed Message handed
// straight to the driver), its idle handler polls the driver for
// inbound frames and dispatches by ethertype to arpID or ipID.
func NewTaskDescriptor(id task.ID, driver Driver, arpID, ipID task.ID) task.Descriptor {
	return task.Descriptor{
		ID: id,
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			driver.Send(msg.Readp(0))
			msg.Free()
		},
		Idle: func(rt *task.Runtime, inst any) {
			slot, ok := driver.Poll()
			if !ok {
				return
			}
			m := bmzmsg.NewUserMessage(slot.Data, 0, slot.Release)
			if m.Len() < HeaderLen {
				m.Free()
				return
			}
			etherType := m.Read2(12)
			m.PopN(HeaderLen)
			switch etherType {
			case EtherTypeARP:
				rt.SendUp(arpID, m)
			case EtherTypeIP:
				rt.SendUp(ipID, m)
			default:
				m.Free()
			}
		},
	}
}
