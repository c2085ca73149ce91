package tcp

import (
	"testing"

	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/checksum"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/ip"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/stretchr/testify/require"
)

const idIP task.ID = 9

func testConfig() *config.Config {
	cfg, err := config.New(config.IPv4(10, 0, 0, 1), 0, 0, [6]byte{1, 1, 1, 1, 1, 1})
	if err != nil {
		panic(err)
	}
	return cfg
}

func newDemuxHarness(t *testing.T) (*task.Runtime, *Registry, *[]*bmzmsg.Message) {
	t.Helper()
	var toIP []*bmzmsg.Message
	reg := NewRegistry()
	descs := []task.Descriptor{
		NewTaskDescriptor(1, idIP, testConfig(), reg),
		{ID: idIP, Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			toIP = append(toIP, msg)
		}},
	}
	rt := task.New(nil, nil)
	require.NoError(t, rt.Define(descs, task.NewArena(1<<20)))
	return rt, reg, &toIP
}

// buildSegment constructs a full {src IP, TCP segment} byte slice the
// way ip_up hands one to tcp_up, with a valid pseudo-header checksum,
// for use as a raw inbound test fixture (remote 10.0.0.2 -> own 10.0.0.1).
func buildSegment(srcPort, dstPort uint16, seq, ack uint32, codeBits, window uint16, payload []byte) []byte {
	hdr := make([]byte, headerLen+len(payload))
	hdr[0], hdr[1] = byte(srcPort>>8), byte(srcPort)
	hdr[2], hdr[3] = byte(dstPort>>8), byte(dstPort)
	hdr[4], hdr[5], hdr[6], hdr[7] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
	hdr[8], hdr[9], hdr[10], hdr[11] = byte(ack>>24), byte(ack>>16), byte(ack>>8), byte(ack)
	hlenCode := uint16(5)<<12 | codeBits
	hdr[12], hdr[13] = byte(hlenCode>>8), byte(hlenCode)
	hdr[14], hdr[15] = byte(window>>8), byte(window)
	copy(hdr[20:], payload)

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], []byte{10, 0, 0, 2})
	copy(pseudo[4:8], []byte{10, 0, 0, 1})
	pseudo[9] = ip.ProtoTCP
	pseudo[10], pseudo[11] = byte(len(hdr)>>8), byte(len(hdr))
	full := append(append([]byte(nil), pseudo...), hdr...)
	checksum.Poke(full, 12+16)

	return append([]byte{10, 0, 0, 2}, full[12:]...)
}

func Test_TcpDown_BuildsHeaderAndValidChecksum(t *testing.T) {
	t.Parallel()
	rt, _, toIP := newDemuxHarness(t)

	m := bmzmsg.NewMessage(64, 32)
	m.WriteBytes([]byte{1, 2, 3, 4})
	m.Push2(100)
	m.Push2(flagSYN)
	m.Push4(7) // ack
	m.Push4(5) // seq
	m.Push2(443)
	m.Push2(1234)
	m.Push4(config.IPv4(10, 0, 0, 2))

	rt.SendDown(1, m)
	require.Len(t, *toIP, 1)

	seg := (*toIP)[0]
	proto := seg.Pop1()
	require.Equal(t, ip.ProtoTCP, proto)
	dstIP := seg.Pop4()
	require.Equal(t, config.IPv4(10, 0, 0, 2), dstIP)

	hdr := seg.Readp(0)
	require.Equal(t, uint16(1234), uint16(hdr[0])<<8|uint16(hdr[1]))
	require.Equal(t, uint16(443), uint16(hdr[2])<<8|uint16(hdr[3]))
	seqOnWire := uint32(hdr[4])<<24 | uint32(hdr[5])<<16 | uint32(hdr[6])<<8 | uint32(hdr[7])
	require.Equal(t, uint32(5), seqOnWire)
	ackOnWire := uint32(hdr[8])<<24 | uint32(hdr[9])<<16 | uint32(hdr[10])<<8 | uint32(hdr[11])
	require.Equal(t, uint32(7), ackOnWire)
	codeBits := (uint16(hdr[12])<<8 | uint16(hdr[13])) & 0x0FFF
	require.Equal(t, flagSYN, codeBits)
	require.Equal(t, []byte{1, 2, 3, 4}, hdr[20:24])

	pseudo := []byte{10, 0, 0, 1, 10, 0, 0, 2, 0, ip.ProtoTCP, byte(len(hdr) >> 8), byte(len(hdr))}
	full := append(append([]byte(nil), pseudo...), hdr...)
	require.True(t, checksum.Test(full, 12+16))
}

func Test_TcpUp_BadChecksum_DroppedWithoutRST(t *testing.T) {
	t.Parallel()
	rt, _, toIP := newDemuxHarness(t)

	seg := buildSegment(1234, 443, 5, 0, flagSYN, 100, nil)
	seg[20] ^= 0xFF // flip a checksum byte (header offset 16, +4 for the src-IP prefix)

	m := bmzmsg.NewMessage(len(seg)+8, 8)
	m.WriteBytes(seg)
	rt.SendUp(1, m)

	require.Empty(t, *toIP)
}

func Test_TcpUp_SynToUnboundPort_EmitsRST(t *testing.T) {
	t.Parallel()
	rt, _, toIP := newDemuxHarness(t)

	seg := buildSegment(1234, 443, 5, 0, flagSYN, 100, nil)
	m := bmzmsg.NewMessage(len(seg)+8, 8)
	m.WriteBytes(seg)

	rt.SendUp(1, m)
	require.Len(t, *toIP, 1)

	rst := (*toIP)[0]
	rst.Pop1() // proto
	rst.Pop4() // dst ip
	hdr := rst.Readp(0)
	codeBits := (uint16(hdr[12])<<8 | uint16(hdr[13])) & 0x0FFF
	require.Equal(t, flagRST|flagACK, codeBits)
	ack := uint32(hdr[8])<<24 | uint32(hdr[9])<<16 | uint32(hdr[10])<<8 | uint32(hdr[11])
	require.Equal(t, uint32(6), ack) // their seq(5) + 1
}

func Test_TcpUp_DeliversToBoundSocket(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var toSocket []*bmzmsg.Message
	descs := []task.Descriptor{
		NewTaskDescriptor(1, idIP, testConfig(), reg),
		{ID: idIP},
		{ID: 5, Up: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) { toSocket = append(toSocket, msg) }},
	}
	rt := task.New(nil, nil)
	require.NoError(t, rt.Define(descs, task.NewArena(1<<20)))

	reg.register(&socketInstance{id: 5, state: StateEstablished, locPort: 443, remPort: 1234, remIP: config.IPv4(10, 0, 0, 2)})

	seg := buildSegment(1234, 443, 5, 10, flagACK, 100, []byte{0xAA})
	m := bmzmsg.NewMessage(len(seg)+8, 8)
	m.WriteBytes(seg)
	rt.SendUp(1, m)

	require.Len(t, toSocket, 1)
	up := toSocket[0]
	remIP := up.Pop4()
	require.Equal(t, config.IPv4(10, 0, 0, 2), remIP)
	remPort := up.Pop2()
	require.Equal(t, uint16(1234), remPort)
	seq := up.Pop4()
	require.Equal(t, uint32(5), seq)
	require.Equal(t, []byte{0xAA}, up.Readp(4+2+2))
}
