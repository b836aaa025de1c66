package tcp

import (
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/require"
)

func TestListen(t *testing.T) {
	t.Run("rejects non-SYN", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		l, err := s.Listen(7)
		r.NoError(err)

		for _, flags := range []uint8{0, header.TCPFlagFin, header.TCPFlagSyn | header.TCPFlagRst, header.TCPFlagSyn | header.TCPFlagAck} {
			err := s.input(100, 0, flags, "")
			r.ErrorIs(err, ErrProtocol, "flags %s", flagString(flags))
		}
		r.Len(s.Snapshot(), 1)
		r.Equal(LISTEN, s.info(t, l.Handle()).State)
		// Only the segment carrying ACK is answered.
		r.Equal(1, s.net.count())
		rst := s.net.last(t)
		r.True(rst.has(header.TCPFlagRst))
		r.EqualValues(0, rst.Header.SeqNum)
	})

	t.Run("SYN spawns SYN_RECEIVED", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		l, err := s.Listen(7)
		r.NoError(err)

		r.NoError(s.input(100, 0, header.TCPFlagSyn, ""))
		infos := s.Snapshot()
		r.Len(infos, 2)
		r.Equal(LISTEN, s.info(t, l.Handle()).State)

		child := infos[1]
		r.Equal(SYN_RECEIVED, child.State)
		r.Equal(localIP, child.LocalIP)
		r.EqualValues(7, child.LocalPort)
		r.Equal(peerIP, child.RemoteIP)
		r.EqualValues(peerPort, child.RemotePort)
		r.Equal(1, child.Refs)

		synAck := s.net.last(t)
		r.Equal(uint8(header.TCPFlagSyn|header.TCPFlagAck), synAck.Header.Flags)
		r.EqualValues(1, synAck.Header.SeqNum)
		r.EqualValues(101, synAck.Header.AckNum)
		r.EqualValues(536, synAck.MSS)
		_, ok := s.timers.pending(child.Handle, EventRetransmit)
		r.True(ok)

		count, err := s.mboxes.Count(s.info(t, l.Handle()).Backlog)
		r.NoError(err)
		r.Equal(1, count)
	})

	t.Run("full backlog unwinds the child", func(t *testing.T) {
		r := require.New(t)
		cfg := testConfig()
		cfg.Backlog = 1
		s := newTestStack(t, cfg)
		_, err := s.Listen(7)
		r.NoError(err)

		r.NoError(s.inputFrom(5000, 7, 100, 0, header.TCPFlagSyn, ""))
		r.Error(s.inputFrom(5001, 7, 100, 0, header.TCPFlagSyn, ""))
		r.Len(s.Snapshot(), 2)
	})

	t.Run("data on SYN is queued", func(t *testing.T) {
		r := require.New(t)
		s := newTestStack(t, testConfig())
		_, err := s.Listen(7)
		r.NoError(err)

		r.NoError(s.input(100, 0, header.TCPFlagSyn, "hi"))
		synAck := s.net.last(t)
		r.EqualValues(103, synAck.Header.AckNum)
		r.Equal(2, s.Snapshot()[1].RecvQueued)
	})
}

func TestSynReceived(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	_, err := s.Listen(7)
	r.NoError(err)
	r.NoError(s.input(100, 0, header.TCPFlagSyn, ""))
	child := s.Snapshot()[1].Handle
	sent := s.net.count()

	// Wrong sequence number.
	r.ErrorIs(s.input(105, 2, header.TCPFlagAck, ""), ErrProtocol)
	// Right sequence number, no ACK.
	r.ErrorIs(s.input(101, 0, 0, ""), ErrProtocol)
	info := s.info(t, child)
	r.Equal(SYN_RECEIVED, info.State)
	r.Equal(1, info.Refs)
	r.Equal(sent, s.net.count())

	r.NoError(s.input(101, 2, header.TCPFlagAck, ""))
	info = s.info(t, child)
	r.Equal(ESTABLISHED, info.State)
	r.Equal(2, info.Refs)
	_, ok := s.timers.pending(child, EventRetransmit)
	r.False(ok)

	// A duplicate ACK finds the TCB already synchronized.
	r.NoError(s.input(101, 2, header.TCPFlagAck, ""))
	info = s.info(t, child)
	r.Equal(ESTABLISHED, info.State)
	r.Equal(2, info.Refs)
}

func TestSynReceivedReset(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	_, err := s.ListenFunc(7, func(*Conn) {})
	r.NoError(err)
	r.NoError(s.input(100, 0, header.TCPFlagSyn, ""))
	r.Len(s.Snapshot(), 2)

	r.NoError(s.input(101, 0, header.TCPFlagRst, ""))
	r.Len(s.Snapshot(), 1)
}

func TestClosing(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, CLOSING)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	h := tcb.handle()

	tcb.flags |= tfFinSent | tfFinSeen
	tcb.sfin = 10
	tcb.suna = 10
	tcb.snext = 11
	r.NoError(s.handleClosing(tcb, &TCPPacket{}))
	r.Equal(CLOSING, tcb.state)
	_, ok := s.timers.pending(h, EventExpire)
	r.False(ok)

	tcb.suna = 11
	r.NoError(s.handleClosing(tcb, &TCPPacket{}))
	r.Equal(TIME_WAIT, tcb.state)
	d, ok := s.timers.pending(h, EventExpire)
	r.True(ok)
	r.Equal(2*s.cfg.MSL, d)
}

func TestClosingWaitsForUnsentFin(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	segment := func(seq uint32, flags uint8, wnd uint16) *TCPPacket {
		return &TCPPacket{Header: header.TCPFields{
			SeqNum:     seq,
			AckNum:     uint32(tcb.snext),
			Flags:      flags | header.TCPFlagAck,
			WindowSize: wnd,
		}}
	}

	// Half the queued bytes fit the peer's window, so the FIN stays pending.
	tcb.rwnd = 4
	tcb.sb.write([]byte("abcdefgh"))
	tcb.flags |= tfFinPending
	s.transition(tcb, FIN_WAIT_1)
	r.NoError(s.xmit(tcb))
	r.Equal("abcd", string(s.net.last(t).Data))
	r.False(tcb.has(tfFinSent))

	r.NoError(s.dispatch(tcb, segment(101, header.TCPFlagFin, 0)))
	r.Equal(CLOSING, tcb.state)
	r.False(tcb.has(tfFinSent))

	r.NoError(s.dispatch(tcb, segment(102, 0, 0)))
	r.Equal(CLOSING, tcb.state)
	_, ok := s.timers.pending(tcb.handle(), EventExpire)
	r.False(ok)

	// The window opens: the rest of the data and the FIN go out.
	r.NoError(s.dispatch(tcb, segment(102, 0, 64)))
	r.Equal(CLOSING, tcb.state)
	r.True(tcb.has(tfFinSent))
	r.True(s.net.last(t).has(header.TCPFlagFin))
	r.Equal(tcb.sb.count, tcb.dataInFlight())

	r.NoError(s.dispatch(tcb, segment(102, 0, 64)))
	r.Equal(TIME_WAIT, tcb.state)
	r.Zero(tcb.sb.count)
}

func TestFinWait2(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, FIN_WAIT_2)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	h := tcb.handle()

	// rnext is past rfin, but no FIN has been seen.
	r.NoError(s.handleFinWait2(tcb, &TCPPacket{Header: header.TCPFields{SeqNum: 101, Flags: header.TCPFlagAck}, Data: []byte("abc")}))
	r.Equal(FIN_WAIT_2, tcb.state)
	r.EqualValues(104, tcb.rnext)
	r.False(tcb.has(tfFinSeen))
	_, ok := s.timers.pending(h, EventExpire)
	r.False(ok)

	r.NoError(s.handleFinWait2(tcb, &TCPPacket{Header: header.TCPFields{SeqNum: 104, Flags: header.TCPFlagAck | header.TCPFlagFin}}))
	r.Equal(TIME_WAIT, tcb.state)
	r.EqualValues(104, tcb.rfin)
	r.EqualValues(105, tcb.rnext)
	d, ok := s.timers.pending(h, EventExpire)
	r.True(ok)
	r.Equal(2*s.cfg.MSL, d)

	ack := s.net.last(t)
	r.True(ack.has(header.TCPFlagAck))
	r.EqualValues(105, ack.Header.AckNum)
}

func TestFinWait1(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, FIN_WAIT_1)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	tcb.flags |= tfFinSent | tfFinPending
	tcb.sfin = tcb.suna
	tcb.snext = tcb.suna.Add(1)

	seg := &TCPPacket{Header: header.TCPFields{SeqNum: 101, AckNum: uint32(tcb.snext), Flags: header.TCPFlagAck, WindowSize: 100}}
	r.NoError(s.processAck(tcb, seg))
	r.NoError(s.handleFinWait1(tcb, seg))
	r.Equal(FIN_WAIT_2, tcb.state)
	d, ok := s.timers.pending(tcb.handle(), EventExpire)
	r.True(ok)
	r.Equal(s.cfg.FinWait2Timeout, d)
}

func TestTimeWaitExpiry(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, TIME_WAIT)
	h := tcb.handle()

	r.NoError(s.input(101, 1, header.TCPFlagRst, ""))
	r.Equal(TIME_WAIT, s.stateOf(t, tcb))

	r.NoError(s.input(100, 1, header.TCPFlagFin|header.TCPFlagAck, ""))
	_, ok := s.timers.pending(h, EventExpire)
	r.True(ok)

	s.command(h, EventExpire)
	r.Empty(s.Snapshot())
}

func TestEstablishedData(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)
	h := tcb.handle()

	r.NoError(s.input(101, 2, header.TCPFlagAck|header.TCPFlagPsh, "hello"))
	r.Equal(5, s.info(t, h).RecvQueued)
	_, ok := s.timers.pending(h, EventDelayedAck)
	r.True(ok)
	r.Zero(s.net.count())

	// The delayed ACK fires.
	s.command(h, EventDelayedAck)
	ack := s.net.last(t)
	r.EqualValues(106, ack.Header.AckNum)
	r.EqualValues(64-5, ack.Header.WindowSize)

	// Out of order: ACK at once, nothing queued.
	r.NoError(s.input(110, 2, header.TCPFlagAck, "zz"))
	r.Equal(5, s.info(t, h).RecvQueued)
	r.EqualValues(106, s.net.last(t).Header.AckNum)

	// Peer FIN.
	r.NoError(s.input(106, 2, header.TCPFlagAck|header.TCPFlagFin, ""))
	r.Equal(CLOSE_WAIT, s.stateOf(t, tcb))
	r.EqualValues(107, s.net.last(t).Header.AckNum)
}

func TestEstablishedReset(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())
	tcb := s.newTCB(t, ESTABLISHED)

	// Outside the window: ignored.
	r.ErrorIs(s.input(5000, 2, header.TCPFlagRst, ""), ErrProtocol)
	r.Equal(ESTABLISHED, s.stateOf(t, tcb))

	r.NoError(s.input(101, 2, header.TCPFlagRst, ""))
	r.Empty(s.Snapshot())
}

func TestNoConnectionReset(t *testing.T) {
	r := require.New(t)
	s := newTestStack(t, testConfig())

	r.ErrorIs(s.inputFrom(peerPort, 9, 100, 0, header.TCPFlagSyn, ""), ErrNoConnection)
	rst := s.net.last(t)
	r.Equal(uint8(header.TCPFlagRst|header.TCPFlagAck), rst.Header.Flags)
	r.EqualValues(101, rst.Header.AckNum)
	r.EqualValues(9, rst.Header.SrcPort)

	// Never answer a reset.
	r.ErrorIs(s.inputFrom(peerPort, 9, 100, 0, header.TCPFlagRst, ""), ErrNoConnection)
	r.Equal(1, s.net.count())
}
