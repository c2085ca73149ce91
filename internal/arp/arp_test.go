package arp

import (
	"testing"

	"github.com/billforsternz/bmz/internal/bmzmsg"
	"github.com/billforsternz/bmz/internal/clock"
	"github.com/billforsternz/bmz/internal/config"
	"github.com/billforsternz/bmz/internal/ether"
	"github.com/billforsternz/bmz/internal/task"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg, err := config.New(config.IPv4(10, 0, 0, 1), 0, 0, [6]byte{1, 1, 1, 1, 1, 1})
	if err != nil {
		panic(err)
	}
	return cfg
}

func newHarness(t *testing.T) (*task.Runtime, *clock.Simulated, *[][]byte) {
	t.Helper()
	clk := clock.NewSimulated()
	rt := task.New(nil, clk)
	var sent [][]byte
	etherDesc := task.Descriptor{
		ID: 2,
		Down: func(rt *task.Runtime, inst any, msg *bmzmsg.Message) {
			sent = append(sent, append([]byte(nil), msg.Readp(0)...))
			msg.Free()
		},
		Idle: func(rt *task.Runtime, inst any) {},
	}
	descs := []task.Descriptor{
		NewTaskDescriptor(1, 2, testConfig(), DefaultCacheSize, DefaultHoldQueueCapacity),
		etherDesc,
	}
	require.NoError(t, rt.Define(descs, task.NewArena(1<<20)))
	return rt, clk, &sent
}

func Test_ArpDown_UnresolvedIP_HoldsMessageAndBroadcastsRequest(t *testing.T) {
	t.Parallel()
	rt, _, sent := newHarness(t)

	m := bmzmsg.NewMessage(32, 16)
	m.PushBytes([]byte{9, 9, 9, 9})
	m.PushBytes([]byte{1, 2, 3, 4}) // next-hop IP = 1.2.3.4
	rt.SendDown(1, m)

	require.Len(t, *sent, 1)
	frame := (*sent)[0]
	require.Equal(t, ether.Broadcast[:], frame[0:6])
	require.Equal(t, ether.EtherTypeARP, uint16(frame[12])<<8|uint16(frame[13]))
	require.Equal(t, uint16(1), uint16(frame[14+6])<<8|uint16(frame[14+7])) // opcode = request
}

func Test_ArpUp_ReplyBindsEntryAndDrainsHold(t *testing.T) {
	t.Parallel()
	rt, _, sent := newHarness(t)

	held := bmzmsg.NewMessage(32, 16)
	held.PushBytes([]byte{0xaa, 0xbb})
	held.PushBytes([]byte{1, 2, 3, 4})
	rt.SendDown(1, held)
	require.Len(t, *sent, 1) // the broadcast request

	reply := bmzmsg.NewMessage(payloadLen, 0)
	buildPayload(reply, opReply, [6]byte{2, 2, 2, 2, 2, 2}, config.IPv4(1, 2, 3, 4), [6]byte{1, 1, 1, 1, 1, 1}, config.IPv4(10, 0, 0, 1))
	rt.SendUp(1, reply)

	require.Len(t, *sent, 2)
	frame := (*sent)[1]
	require.Equal(t, []byte{2, 2, 2, 2, 2, 2}, frame[0:6]) // dst = resolved MAC
	require.Equal(t, []byte{0xaa, 0xbb}, frame[14:16])
}

func Test_ArpUp_RequestForOwnIP_EmitsUnicastReply(t *testing.T) {
	t.Parallel()
	rt, _, sent := newHarness(t)

	req := bmzmsg.NewMessage(payloadLen, 0)
	buildPayload(req, opRequest, [6]byte{3, 3, 3, 3, 3, 3}, config.IPv4(10, 0, 0, 9), [6]byte{}, config.IPv4(10, 0, 0, 1))
	rt.SendUp(1, req)

	require.Len(t, *sent, 1)
	frame := (*sent)[0]
	require.Equal(t, []byte{3, 3, 3, 3, 3, 3}, frame[0:6]) // unicast to requester
	opcode := uint16(frame[14+6])<<8 | uint16(frame[14+7])
	require.Equal(t, opReply, opcode)
}

func Test_ArpUp_RejectsMismatchedHwTypeOrTarget(t *testing.T) {
	t.Parallel()
	rt, _, sent := newHarness(t)

	bad := bmzmsg.NewMessage(payloadLen, 0)
	buildPayload(bad, opRequest, [6]byte{3, 3, 3, 3, 3, 3}, config.IPv4(10, 0, 0, 9), [6]byte{}, config.IPv4(10, 0, 0, 99))
	rt.SendUp(1, bad)

	require.Empty(t, *sent)
}

func Test_ArpTimeout_RetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	rt, clk, sent := newHarness(t)

	m := bmzmsg.NewMessage(32, 16)
	m.PushBytes([]byte{1, 2, 3, 4})
	rt.SendDown(1, m)
	require.Len(t, *sent, 1)

	for i := 0; i < retryLimit; i++ {
		clk.Advance(retryTicks)
		rt.Step()
	}

	// the original kick plus one re-emission per retry before the
	// entry gives up on the limit-th expiry.
	require.Equal(t, retryLimit, len(*sent))
}

func Test_SelectEntry_PrefersIdleOverEviction(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	in := &instance{cfg: cfg, etherID: 2}
	in.cache = make([]*cacheEntry, 2)
	in.cache[0] = &cacheEntry{state: stateBound, ip: 111}
	in.cache[1] = &cacheEntry{state: stateIdle}

	e := selectEntry(in, 222)
	require.Same(t, in.cache[1], e)
	require.Equal(t, uint32(222), e.ip)
}
