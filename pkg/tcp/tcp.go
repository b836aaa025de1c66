package tcp

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"ktcp/pkg/ktimer"
	"ktcp/pkg/logging"
	"ktcp/pkg/mailbox"
	"ktcp/pkg/metrics"
	"ktcp/pkg/netbuf"
)

// Network is the IPv4 layer below the stack. Enqueue takes ownership of the
// packet and fills in the checksum.
type Network interface {
	LocalIP() netip.Addr
	AllocPacket(payload int) (*netbuf.Packet, error)
	Enqueue(pkt *netbuf.Packet) error
}

type Stack struct {
	cfg     Config
	log     *logging.Logger
	net     Network
	tab     *Table
	mboxes  *mailbox.Table
	cmdq    mailbox.ID
	timers  Timers
	clock   Clock
	ktimers *ktimer.Service
	bufs    BufferAllocator

	completions chan completion
}

type completion struct {
	fn  AcceptFunc
	ref *Ref
}

type Option func(*Stack)

func WithTimers(t Timers) Option {
	return func(s *Stack) { s.timers = t }
}

func WithClock(c Clock) Option {
	return func(s *Stack) { s.clock = c }
}

func WithBuffers(b BufferAllocator) Option {
	return func(s *Stack) { s.bufs = b }
}

func New(log *logging.Logger, cfg Config, network Network, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:         cfg,
		log:         log.WithField("component", "tcp"),
		net:         network,
		mboxes:      mailbox.NewTable(cfg.Mailboxes),
		clock:       wallClock{start: time.Now()},
		completions: make(chan completion, cfg.TCBs),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bufs == nil {
		s.bufs = netbuf.NewPool(netbuf.Config{
			Packets:     1,
			PacketSize:  1,
			BufferBytes: cfg.TCBs * (cfg.SendBuffer + cfg.RecvBuffer),
		})
	}
	cmdq, err := s.mboxes.Create(cfg.CommandQueue)
	if err != nil {
		return nil, errors.Wrap(err, "command mailbox")
	}
	s.cmdq = cmdq
	if s.timers == nil {
		s.ktimers = ktimer.New()
		s.timers = &mailboxTimers{svc: s.ktimers, mboxes: s.mboxes, cmdq: cmdq}
	}
	s.tab = NewTable(cfg.TCBs, s.bufs, cfg.EphemeralLow, cfg.EphemeralHigh)
	return s, nil
}

func (s *Stack) Config() Config {
	return s.cfg
}

func (s *Stack) LocalIP() netip.Addr {
	return s.net.LocalIP()
}

// Run drives the output process and the listener callback notifier until
// ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.output()
	})
	g.Go(func() error {
		s.notify(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if s.ktimers != nil {
			s.ktimers.Stop()
		}
		return s.mboxes.Disable(s.cmdq)
	})
	return g.Wait()
}

// output consumes the command mailbox until it is disabled.
func (s *Stack) output() error {
	for {
		m, err := s.mboxes.Receive(s.cmdq)
		if err != nil {
			if errors.Is(err, mailbox.ErrQueueInvalidated) {
				return nil
			}
			return errors.Wrap(err, "command mailbox")
		}
		h, ev := decodeMessage(m)
		s.command(h, ev)
	}
}

func (s *Stack) command(h Handle, ev Event) {
	ref, err := s.tab.Acquire(h)
	if err != nil {
		s.log.Debugf("tcb %s: dropping %s: %v", h, ev, err)
		return
	}
	defer ref.Release()

	t := ref.t
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev {
	case EventSend:
		err = s.xmit(t)
	case EventRetransmit:
		err = s.retransmit(t)
	case EventDelayedAck:
		if t.has(tfAckPending) {
			t.flags &^= tfAckPending
			t.flags |= tfAckNeeded
			err = s.xmit(t)
		}
	case EventExpire:
		s.expire(t)
	}
	if err != nil {
		s.log.Debugf("tcb %s: %s: %v", h, ev, err)
	}
}

func (s *Stack) notify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c := <-s.completions:
					c.ref.Release()
				default:
					return
				}
			}
		case c := <-s.completions:
			c.fn(&Conn{s: s, ref: c.ref})
		}
	}
}

// Input hands one inbound segment to the TCB it belongs to.
func (s *Stack) Input(src, dst netip.Addr, b []byte) error {
	metrics.SegmentsReceivedTotal.Inc()
	p, err := UnmarshalTCPPacket(b, src, dst)
	if err != nil {
		s.dropped("malformed", err)
		return err
	}
	ref, err := s.tab.demux(src, p.Header.SrcPort, dst, p.Header.DstPort)
	if err != nil {
		s.dropped("no_connection", err)
		if !p.has(header.TCPFlagRst) {
			s.sendReset(p)
		}
		return errors.Wrapf(err, "%s:%d -> %s:%d", src, p.Header.SrcPort, dst, p.Header.DstPort)
	}
	defer ref.Release()

	t := ref.t
	t.mu.Lock()
	err = s.dispatch(t, p)
	t.mu.Unlock()
	if err != nil {
		s.dropped("rejected", err)
	}
	return err
}

func (s *Stack) dropped(reason string, err error) {
	metrics.SegmentsDroppedTotal.WithLabelValues(reason).Inc()
	s.log.Debugf("drop segment: %v", err)
}

func (s *Stack) dispatch(t *TCB, p *TCPPacket) error {
	switch t.state {
	case LISTEN:
		return s.handleListen(t, p)
	case SYN_SENT:
		return s.handleSynSent(t, p)
	case SYN_RECEIVED:
		if p.has(header.TCPFlagRst) {
			s.abort(t, ErrConnectionReset)
			return nil
		}
		return s.handleSynReceived(t, p)
	case TIME_WAIT:
		return s.handleTimeWait(t, p)
	case FREE, CLOSED:
		return errors.Wrapf(ErrProtocol, "tcb %d is %s", t.index, t.state)
	}

	if err := s.acceptable(t, p); err != nil {
		return err
	}
	if p.has(header.TCPFlagRst) {
		s.abort(t, ErrConnectionReset)
		return nil
	}
	if p.has(header.TCPFlagSyn) {
		s.sendRst(t)
		s.abort(t, ErrConnectionReset)
		return errors.Wrapf(ErrProtocol, "tcb %d: SYN in window", t.index)
	}
	if err := s.processAck(t, p); err != nil {
		return err
	}

	switch t.state {
	case ESTABLISHED:
		return s.handleEstablished(t, p)
	case FIN_WAIT_1:
		return s.handleFinWait1(t, p)
	case FIN_WAIT_2:
		return s.handleFinWait2(t, p)
	case CLOSE_WAIT:
		return s.handleCloseWait(t, p)
	case CLOSING:
		return s.handleClosing(t, p)
	case LAST_ACK:
		return s.handleLastAck(t, p)
	}
	return nil
}

func (s *Stack) transition(t *TCB, to TCPState) {
	if t.state == to {
		return
	}
	s.log.Debugf("tcb %d: %s -> %s", t.index, t.state, to)
	t.state = to
}

var timerEvents = []Event{EventRetransmit, EventDelayedAck, EventExpire}

// Snapshot reports every TCB not in FREE, with its armed timers.
func (s *Stack) Snapshot() []Info {
	infos := s.tab.Snapshot()
	for i := range infos {
		h := infos[i].Handle
		infos[i].Timers = lo.Filter(timerEvents, func(ev Event, _ int) bool {
			return s.timers.Pending(h, ev)
		})
	}
	return infos
}

func (s *Stack) Mailboxes() []mailbox.Info {
	return s.mboxes.Info()
}
