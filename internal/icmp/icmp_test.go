package icmp

import (
	"testing"

	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/checksum"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/ip"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/stretchr/testify/require"
)

const idIP task.ID = 2

func newHarness(t *testing.T) (*task.Runtime, *[]*bmzmsg.Message) {
	t.Helper()
	clk := clock.NewSimulated()
	rt := task.New(nil, clk)
	var toIP []*bmzmsg.Message
	descs := []task.Descriptor{
		NewTaskDescriptor(1, idIP, 2, 64, 16),
		{ID: idIP, Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) { toIP = append(toIP, msg) }},
	}
	require.NoError(t, rt.Define(descs, task.NewArena(1<<20)))
	return rt, &toIP
}

func buildEcho(seq uint16, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	b[0] = 8 // echo request
	b[1] = 0
	b[6], b[7] = byte(seq>>8), byte(seq)
	copy(b[8:], payload)
	checksum.Poke(b, 2)
	return b
}

func Test_IcmpUp_EchoRequest_RepliesWithType0(t *testing.T) {
	t.Parallel()
	rt, toIP := newHarness(t)

	body := buildEcho(1, []byte{1, 2, 3, 4})
	m := bmzmsg.NewMessage(len(body)+4+16, 16)
	m.WriteBytes([]byte{10, 0, 0, 1})
	m.WriteBytes(body)

	rt.SendUp(1, m)
	require.Len(t, *toIP, 1)

	reply := (*toIP)[0]
	proto := reply.Pop1()
	require.Equal(t, ip.ProtoICMP, proto)
	senderIP := reply.Pop4()
	require.Equal(t, uint32(10)<<24|1, senderIP)

	replyBody := reply.Readp(0)
	require.Equal(t, byte(0), replyBody[0]) // echo reply
	require.True(t, checksum.Test(replyBody, 2))
	require.Equal(t, []byte{1, 2, 3, 4}, replyBody[8:12])
}

func Test_IcmpUp_NonEchoType_Dropped(t *testing.T) {
	t.Parallel()
	rt, toIP := newHarness(t)

	body := buildEcho(1, nil)
	body[0] = 3 // destination unreachable, not honored
	checksum.Poke(body, 2)
	m := bmzmsg.NewMessage(len(body)+4+16, 16)
	m.WriteBytes([]byte{10, 0, 0, 1})
	m.WriteBytes(body)

	rt.SendUp(1, m)
	require.Empty(t, *toIP)
}

func Test_IcmpUp_BadChecksum_Dropped(t *testing.T) {
	t.Parallel()
	rt, toIP := newHarness(t)

	body := buildEcho(1, []byte{9})
	body[2] ^= 0xFF
	m := bmzmsg.NewMessage(len(body)+4+16, 16)
	m.WriteBytes([]byte{10, 0, 0, 1})
	m.WriteBytes(body)

	rt.SendUp(1, m)
	require.Empty(t, *toIP)
}
