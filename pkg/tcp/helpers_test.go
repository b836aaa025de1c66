package tcp

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"ktcp/pkg/logging"
	"ktcp/pkg/netbuf"
)

var (
	localIP = netip.MustParseAddr("10.0.0.1")
	peerIP  = netip.MustParseAddr("10.0.0.2")
)

const peerPort = 5000

// fakeNetwork records every packet the stack enqueues.
type fakeNetwork struct {
	mu   sync.Mutex
	sent []*netbuf.Packet
	fail atomic.Bool
}

func (n *fakeNetwork) LocalIP() netip.Addr {
	return localIP
}

func (n *fakeNetwork) AllocPacket(payload int) (*netbuf.Packet, error) {
	if n.fail.Load() {
		return nil, netbuf.ErrNoPacketBuffer
	}
	return &netbuf.Packet{Data: make([]byte, payload)}, nil
}

func (n *fakeNetwork) Enqueue(pkt *netbuf.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, pkt)
	return nil
}

func (n *fakeNetwork) packets() []*netbuf.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*netbuf.Packet(nil), n.sent...)
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// last decodes the most recent segment.
func (n *fakeNetwork) last(t *testing.T) *TCPPacket {
	t.Helper()
	pkts := n.packets()
	require.NotEmpty(t, pkts)
	pkt := pkts[len(pkts)-1]
	p, err := UnmarshalTCPPacket(pkt.Data, pkt.Src, pkt.Dst)
	require.NoError(t, err)
	return p
}

type timerKey struct {
	h  Handle
	ev Event
}

// fakeTimers records the armed timers without ever firing them.
type fakeTimers struct {
	mu    sync.Mutex
	armed map[timerKey]time.Duration
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: map[timerKey]time.Duration{}}
}

func (f *fakeTimers) Schedule(delay time.Duration, h Handle, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[timerKey{h, ev}] = delay
}

func (f *fakeTimers) Cancel(h Handle, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, timerKey{h, ev})
}

func (f *fakeTimers) Pending(h Handle, ev Event) bool {
	_, ok := f.pending(h, ev)
	return ok
}

func (f *fakeTimers) pending(h Handle, ev Event) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.armed[timerKey{h, ev}]
	return d, ok
}

type fakeClock struct {
	ticks atomic.Uint32
}

func (c *fakeClock) Ticks() uint32 {
	return c.ticks.Load()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TCBs = 8
	cfg.Mailboxes = 8
	cfg.Backlog = 4
	cfg.SendBuffer = 64
	cfg.RecvBuffer = 64
	return cfg
}

type testStack struct {
	*Stack
	net    *fakeNetwork
	timers *fakeTimers
	clock  *fakeClock
}

func newTestStack(t *testing.T, cfg Config) *testStack {
	t.Helper()
	ts := &testStack{
		net:    &fakeNetwork{},
		timers: newFakeTimers(),
		clock:  &fakeClock{},
	}
	s, err := New(logging.NewNop(), cfg, ts.net, WithTimers(ts.timers), WithClock(ts.clock))
	require.NoError(t, err)
	ts.Stack = s
	return ts
}

// newTCB allocates a TCB in state as if its handshake with peerIP:peerPort
// had already run: our ISS is 1, the peer's is 100.
func (ts *testStack) newTCB(t *testing.T, state TCPState) *TCB {
	t.Helper()
	s := ts.Stack
	tcb, err := s.tab.allocate(func(tcb *TCB) error {
		if err := s.tab.reserveBuffers(tcb, s.cfg.SendBuffer, s.cfg.RecvBuffer); err != nil {
			return err
		}
		tcb.state = state
		tcb.localIP, tcb.localPort = localIP, 7
		tcb.remoteIP, tcb.remotePort = peerIP, peerPort
		s.initSend(tcb, 0)
		tcb.rnext = 101
		tcb.rbseq = 101
		tcb.sndwl1 = 100
		tcb.rwnd = 4096
		if state.synchronized() {
			tcb.suna = tcb.ssyn.Add(1)
			tcb.snext = tcb.suna
			tcb.sndwl2 = tcb.suna
		}
		tcb.proto = s.tab.newRef(tcb)
		return nil
	})
	require.NoError(t, err)
	return tcb
}

func (ts *testStack) input(seq, ack uint32, flags uint8, data string) error {
	return ts.inputFrom(peerPort, 7, seq, ack, flags, data)
}

func (ts *testStack) inputFrom(sport, dport uint16, seq, ack uint32, flags uint8, data string) error {
	p := TCPPacket{
		Header: header.TCPFields{
			SrcPort:    sport,
			DstPort:    dport,
			SeqNum:     seq,
			AckNum:     ack,
			Flags:      flags,
			WindowSize: 4096,
		},
		Data: []byte(data),
	}
	if flags&header.TCPFlagSyn != 0 {
		p.MSS = 1460
	}
	return ts.Input(peerIP, localIP, p.Marshal())
}

func (ts *testStack) info(t *testing.T, h Handle) Info {
	t.Helper()
	for _, info := range ts.Snapshot() {
		if info.Handle == h {
			return info
		}
	}
	require.FailNow(t, "no TCB", "handle %s", h)
	return Info{}
}

func (ts *testStack) stateOf(t *testing.T, tcb *TCB) TCPState {
	t.Helper()
	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	return tcb.state
}
