package tcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/smallnest/ringbuffer"

	"ktcp/pkg/ksync"
	"ktcp/pkg/mailbox"
)

type TCPState int

const (
	FREE TCPState = iota
	CLOSED
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSE_WAIT
	CLOSING
	LAST_ACK
	TIME_WAIT
)

const (
	TCPHeaderLen   = header.TCPMinimumSize
	TCPProtocolNum = uint8(header.TCPProtocolNumber)

	// SYN segments carry exactly one MSS option.
	mssOptionLen    = 4
	SynHeaderLen    = TCPHeaderLen + mssOptionLen
	initialSequence = seqnum.Value(1)

	ALPHA float64 = .8
	BETA  float64 = 1.3
)

func (s TCPState) String() string {
	return ConvertStateToString(s)
}

// synchronized reports whether the handshake has completed for s.
func (s TCPState) synchronized() bool {
	return s >= ESTABLISHED
}

// Event is a command posted to the output process, either directly or by a
// timer expiring.
type Event uint8

const (
	EventNone Event = iota
	EventSend
	EventRetransmit
	EventDelayedAck
	EventExpire
)

func (e Event) String() string {
	switch e {
	case EventSend:
		return "SEND"
	case EventRetransmit:
		return "RETRANSMIT"
	case EventDelayedAck:
		return "DELAYED_ACK"
	case EventExpire:
		return "EXPIRE"
	default:
		return "NONE"
	}
}

// Handle names a TCB slot. The generation changes every time the slot is
// freed so a handle outliving its connection is detected.
type Handle struct {
	Index int
	Gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index, h.Gen)
}

const (
	eventBits = 4
	indexBits = 16
)

// message packs a handle and an event into a mailbox message.
func (h Handle) message(ev Event) mailbox.Message {
	return mailbox.Message(int64(h.Gen)<<(indexBits+eventBits) | int64(h.Index)<<eventBits | int64(ev))
}

func decodeMessage(m mailbox.Message) (Handle, Event) {
	v := int64(m)
	return Handle{
		Index: int(v>>eventBits) & (1<<indexBits - 1),
		Gen:   uint32(v >> (indexBits + eventBits)),
	}, Event(v & (1<<eventBits - 1))
}

type tcbFlags uint16

const (
	tfAckPending tcbFlags = 1 << iota
	tfAckNeeded
	tfFinSeen
	tfRTTPending
	tfFinPending
	tfFinSent
	tfClosed
)

type listenerKind int

const (
	listenerNone listenerKind = iota
	listenerBlocking
	listenerCallback
)

// AcceptFunc receives each connection completed on a callback listener.
// It runs on the stack's notifier goroutine with no TCB lock held.
type AcceptFunc func(*Conn)

type listener struct {
	kind     listenerKind
	backlog  mailbox.ID
	callback AcceptFunc
}

// TCB is one connection record. Fields below mu are guarded by it; inUse,
// refs and gen belong to the table lock.
type TCB struct {
	index int
	inUse bool
	refs  int
	gen   uint32

	mu      sync.Mutex
	rblock  *ksync.Semaphore
	wblock  *ksync.Semaphore
	readers int
	writers int

	state   TCPState
	passive bool
	err     error

	localIP    netip.Addr
	localPort  uint16
	remoteIP   netip.Addr
	remotePort uint16

	// Send side.
	suna   seqnum.Value
	snext  seqnum.Value
	ssyn   seqnum.Value
	sfin   seqnum.Value
	sndwl1 seqnum.Value
	sndwl2 seqnum.Value
	rwnd   uint32
	smss   uint16
	sb     sendBuffer

	// Receive side.
	rnext    seqnum.Value
	rbseq    seqnum.Value
	rfin     seqnum.Value
	ssthresh uint32
	rb       *ringbuffer.RingBuffer
	rbsize   int

	flags tcbFlags

	rttseq  seqnum.Value
	rtttime uint32
	srtt    float64
	rto     time.Duration
	expo    *backoff.ExponentialBackOff
	rexmt   backoff.BackOff

	listener listener

	// proto is the reference held by the protocol until the connection
	// finishes; synced is the one taken on entering ESTABLISHED from
	// SYN_RECEIVED and handed to the accepting application.
	proto  *Ref
	synced *Ref
}

func (t *TCB) handle() Handle {
	return Handle{Index: t.index, Gen: t.gen}
}

func (t *TCB) has(f tcbFlags) bool {
	return t.flags&f != 0
}

// reset prepares a slot for a new connection. Called with the table lock
// and the slot mutex held.
func (t *TCB) reset() {
	t.readers = 0
	t.writers = 0
	t.rblock = ksync.NewSemaphore(0)
	t.wblock = ksync.NewSemaphore(0)
	t.state = CLOSED
	t.passive = false
	t.err = nil
	t.localIP, t.remoteIP = netip.Addr{}, netip.Addr{}
	t.localPort, t.remotePort = 0, 0
	t.suna, t.snext, t.ssyn, t.sfin = 0, 0, 0, 0
	t.sndwl1, t.sndwl2 = 0, 0
	t.rwnd = 0
	t.smss = 0
	t.sb = sendBuffer{}
	t.rnext, t.rbseq, t.rfin = 0, 0, 0
	t.ssthresh = 0
	t.rb = nil
	t.rbsize = 0
	t.flags = 0
	t.rttseq, t.rtttime = 0, 0
	t.srtt = 0
	t.rto = 0
	t.expo = nil
	t.rexmt = nil
	t.listener = listener{backlog: -1}
	t.proto = nil
	t.synced = nil
}

// wakeReader releases one blocked reader.
func (t *TCB) wakeReader() {
	if t.readers > 0 {
		t.readers--
		t.rblock.Signal()
	}
}

func (t *TCB) wakeAll() {
	for t.readers > 0 {
		t.readers--
		t.rblock.Signal()
	}
	for t.writers > 0 {
		t.writers--
		t.wblock.Signal()
	}
}

// waitReadable blocks the caller on the reader semaphore. t.mu is released
// while blocked and held again on return.
func (t *TCB) waitReadable() {
	t.readers++
	t.mu.Unlock()
	t.rblock.Wait()
	t.mu.Lock()
}

func (t *TCB) waitWritable() {
	t.writers++
	t.mu.Unlock()
	t.wblock.Wait()
	t.mu.Lock()
}

// Info is a point-in-time view of one TCB for diagnostics.
type Info struct {
	Handle     Handle
	State      TCPState
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	Refs       int
	SendQueued int
	RecvQueued int
	Readers    int
	Backlog    mailbox.ID
	Timers     []Event
}
