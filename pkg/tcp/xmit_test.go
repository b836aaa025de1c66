package tcp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/require"
)

func decodeTCP(t *testing.T, data []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeTCP, gopacket.Default)
	layer := pkt.Layer(layers.LayerTypeTCP)
	require.NotNil(t, layer, "decode: %v", pkt.ErrorLayer())
	return layer.(*layers.TCP)
}

func TestSendSegmentWireFormat(t *testing.T) {
	t.Run("SYN carries MSS option", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		tcb := s.newTCB(t, SYN_SENT)
		tcb.mu.Lock()
		defer tcb.mu.Unlock()

		r.NoError(s.sendSegment(tcb, 0, 0, header.TCPFlagSyn))
		pkts := s.net.packets()
		r.Len(pkts, 1)
		r.Equal(localIP, pkts[0].Src)
		r.Equal(peerIP, pkts[0].Dst)
		r.Len(pkts[0].Data, SynHeaderLen)

		seg := decodeTCP(t, pkts[0].Data)
		r.True(seg.SYN)
		r.False(seg.ACK)
		r.EqualValues(7, seg.SrcPort)
		r.EqualValues(peerPort, seg.DstPort)
		r.EqualValues(1, seg.Seq)
		r.EqualValues(6, seg.DataOffset)
		r.Len(seg.Options, 1)
		r.EqualValues(layers.TCPOptionKindMSS, seg.Options[0].OptionType)
		r.EqualValues(4, seg.Options[0].OptionLength)
		r.EqualValues(536, binary.BigEndian.Uint16(seg.Options[0].OptionData))

		d, ok := s.timers.pending(tcb.handle(), EventRetransmit)
		r.True(ok)
		r.Equal(s.cfg.RTOInitial, d)
	})

	t.Run("data segment", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		tcb := s.newTCB(t, ESTABLISHED)
		tcb.mu.Lock()
		defer tcb.mu.Unlock()
		s.clock.ticks.Store(40)

		tcb.sb.write([]byte("hello"))
		r.NoError(s.sendSegment(tcb, 0, 5, header.TCPFlagAck|header.TCPFlagPsh))

		seg := decodeTCP(t, s.net.packets()[0].Data)
		r.True(seg.ACK)
		r.True(seg.PSH)
		r.False(seg.SYN)
		r.EqualValues(5, seg.DataOffset)
		r.EqualValues(2, seg.Seq)
		r.EqualValues(101, seg.Ack)
		r.EqualValues(64, seg.Window)
		r.Equal("hello", string(seg.Payload))

		r.True(tcb.has(tfRTTPending))
		r.EqualValues(2, tcb.rttseq)
		r.EqualValues(40, tcb.rtttime)
	})

	t.Run("cancels delayed ACK", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		tcb := s.newTCB(t, ESTABLISHED)
		tcb.mu.Lock()
		defer tcb.mu.Unlock()

		s.scheduleAck(tcb)
		_, ok := s.timers.pending(tcb.handle(), EventDelayedAck)
		r.True(ok)

		tcb.flags |= tfAckNeeded
		r.NoError(s.xmit(tcb))
		_, ok = s.timers.pending(tcb.handle(), EventDelayedAck)
		r.False(ok)
		r.False(tcb.has(tfAckPending | tfAckNeeded))
		// A bare ACK consumes no sequence space and arms nothing.
		_, ok = s.timers.pending(tcb.handle(), EventRetransmit)
		r.False(ok)
	})
}

func TestSendSegmentWrap(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	size := tcb.sb.size()
	// Move the read cursor so offset size-2 lands two bytes before the end.
	tcb.sb.write(make([]byte, 6))
	tcb.sb.consume(6)
	tcb.suna = tcb.suna.Add(6)
	tcb.snext = tcb.suna

	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	r.Equal(size, tcb.sb.write(data))

	offset := size - 8
	r.NoError(s.sendSegment(tcb, offset, 6, header.TCPFlagAck))
	seg := decodeTCP(t, s.net.packets()[0].Data)
	r.Equal(data[offset:offset+6], []byte(seg.Payload))
	r.EqualValues(uint32(tcb.suna)+uint32(offset), seg.Seq)

	// Read cursor itself at size-2.
	tcb.sb = newSendBuffer(size)
	tcb.sb.write(make([]byte, size-2))
	tcb.sb.consume(size - 2)
	tcb.sb.write([]byte("XYabcd"))
	r.NoError(s.sendSegment(tcb, 0, 6, header.TCPFlagAck))
	seg = decodeTCP(t, s.net.packets()[1].Data)
	r.Equal("XYabcd", string(seg.Payload))
	r.Equal([]byte("XY"), tcb.sb.buf[size-2:])
	r.Equal([]byte("abcd"), tcb.sb.buf[:4])

	// Nothing is read past the buffered bytes.
	r.ErrorIs(s.sendSegment(tcb, 2, 5, header.TCPFlagAck), ErrSendRange)
	r.Equal(2, s.net.count())
}

func TestPacketExhaustion(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	h := tcb.handle()

	s.net.fail.Store(true)
	tcb.sb.write([]byte("data"))
	err := s.xmit(tcb)
	r.ErrorIs(err, ErrNoPacketBuffer)
	r.Equal(tcb.suna, tcb.snext)
	r.Equal(ESTABLISHED, tcb.state)
	_, ok := s.timers.pending(h, EventRetransmit)
	r.True(ok)

	s.net.fail.Store(false)
	r.NoError(s.retransmit(tcb))
	r.Equal(tcb.suna.Add(4), tcb.snext)
	r.Equal("data", string(s.net.last(t).Data))
}

func TestRetransmit(t *testing.T) {
	r := require.New(t)
	cfg := testConfig()
	cfg.MaxRetransmits = 2
	s := newTestStack(t, cfg)
	tcb := s.newTCB(t, ESTABLISHED)
	h := tcb.handle()
	// Held the way the command process holds one while it runs.
	ref, err := s.tab.Acquire(h)
	r.NoError(err)

	tcb.mu.Lock()
	tcb.sb.write([]byte("abc"))
	r.NoError(s.xmit(tcb))
	r.Equal(1, s.net.count())

	r.NoError(s.retransmit(tcb))
	r.Equal(2, s.net.count())
	r.Equal("abc", string(s.net.last(t).Data))
	r.False(tcb.has(tfRTTPending))
	d, _ := s.timers.pending(h, EventRetransmit)
	r.Equal(2*cfg.RTOInitial, d)

	r.NoError(s.retransmit(tcb))
	d, _ = s.timers.pending(h, EventRetransmit)
	r.Equal(4*cfg.RTOInitial, d)

	r.ErrorIs(s.retransmit(tcb), ErrTimedOut)
	r.Equal(CLOSED, tcb.state)
	r.ErrorIs(tcb.err, ErrTimedOut)
	r.True(s.net.last(t).has(header.TCPFlagRst))
	tcb.mu.Unlock()
	r.Len(s.Snapshot(), 1)

	ref.Release()
	r.Empty(s.Snapshot())
	r.Equal(FREE, s.stateOf(t, tcb))
}

func TestZeroWindowProbe(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	tcb.rwnd = 0
	tcb.sb.write([]byte("xyz"))
	r.NoError(s.xmit(tcb))
	r.Equal(1, s.net.count())
	r.Equal("x", string(s.net.last(t).Data))

	// One probe at a time.
	r.NoError(s.xmit(tcb))
	r.Equal(1, s.net.count())
}

func TestRTTSample(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	tcb.sb.write([]byte("abcd"))
	r.NoError(s.xmit(tcb))
	s.clock.ticks.Store(500)

	ack := &TCPPacket{Header: header.TCPFields{SeqNum: 101, AckNum: uint32(tcb.snext), Flags: header.TCPFlagAck, WindowSize: 4096}}
	r.NoError(s.processAck(tcb, ack))
	r.Equal(tcb.snext, tcb.suna)
	r.Zero(tcb.sb.count)
	r.False(tcb.has(tfRTTPending))
	r.InDelta(500, tcb.srtt, 0.001)
	r.Equal(650*time.Millisecond, tcb.rto)
	_, ok := s.timers.pending(tcb.handle(), EventRetransmit)
	r.False(ok)
}
