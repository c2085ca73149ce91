// Package console models the UART/console external collaborator (spec
// §1, §6): kbhit/getch/putch byte I/O. The real driver is hardware-
// specific and out of scope; this package defines only the contract
// app/tserver consumes, plus a software-loopback Port used by tests and
// by the demo build in place of real hardware (original_source/code/
// console.c, console.h).
package console

// Port is the byte-I/O contract spec §6 requires from the console/UART
// driver: a non-blocking poll (KbHit), a blocking-free read of one
// already-available byte (GetCh), and a write (PutCh).
type Port interface {
	KbHit() bool
	GetCh() byte
	PutCh(b byte)
}

// Loopback is a Port backed by in-memory byte slices, standing in for
// real UART hardware. RX is fed by test code or by a peer Loopback's TX
// via Feed; TX bytes written with PutCh accumulate in Written for
// inspection.
type Loopback struct {
	rx      []byte
	Written []byte
}

// NewLoopback returns an empty Loopback.
func NewLoopback() *Loopback { return &Loopback{} }

// Feed appends bytes as if they had arrived on the wire, to be consumed
// later via KbHit/GetCh.
func (l *Loopback) Feed(b ...byte) { l.rx = append(l.rx, b...) }

func (l *Loopback) KbHit() bool { return len(l.rx) > 0 }

func (l *Loopback) GetCh() byte {
	b := l.rx[0]
	l.rx = l.rx[1:]
	return b
}

func (l *Loopback) PutCh(b byte) { l.Written = append(l.Written, b) }
