package tcp

import (
	"io"
	"net/netip"

	"github.com/pkg/errors"

	"ktcp/pkg/mailbox"
	"ktcp/pkg/metrics"
)

// Conn is the application's side of one connection. It owns one reference
// to the TCB until Close.
type Conn struct {
	s   *Stack
	ref *Ref
}

func (c *Conn) Handle() Handle {
	return c.ref.Handle()
}

func (c *Conn) State() TCPState {
	if c.ref.Released() {
		return CLOSED
	}
	t := c.ref.t
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (c *Conn) LocalAddr() netip.AddrPort {
	t := c.ref.t
	t.mu.Lock()
	defer t.mu.Unlock()
	return netip.AddrPortFrom(t.localIP, t.localPort)
}

func (c *Conn) RemoteAddr() netip.AddrPort {
	t := c.ref.t
	t.mu.Lock()
	defer t.mu.Unlock()
	return netip.AddrPortFrom(t.remoteIP, t.remotePort)
}

// Connect actively opens a connection and blocks until it is established or
// refused.
func (s *Stack) Connect(rip netip.Addr, rport uint16) (*Conn, error) {
	lip := s.net.LocalIP()
	var app *Ref
	t, err := s.tab.allocate(func(t *TCB) error {
		lport, err := s.tab.ephemeralPort(lip, rip, rport)
		if err != nil {
			return err
		}
		if err := s.tab.reserveBuffers(t, s.cfg.SendBuffer, s.cfg.RecvBuffer); err != nil {
			return err
		}
		t.state = SYN_SENT
		t.localIP, t.localPort = lip, lport
		t.remoteIP, t.remotePort = rip, rport
		s.initSend(t, 0)
		app = s.tab.newRef(t)
		t.proto = s.tab.newRef(t)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s:%d", rip, rport)
	}

	t.mu.Lock()
	h := t.handle()
	s.log.Debugf("tcb %d: connect %s:%d -> %s:%d", t.index, lip, t.localPort, rip, rport)
	if err := s.mboxes.Send(s.cmdq, h.message(EventSend)); err != nil {
		metrics.MailboxSendFailuresTotal.WithLabelValues("command").Inc()
		s.transition(t, CLOSED)
		proto := t.proto
		t.proto = nil
		t.mu.Unlock()
		proto.Release()
		app.Release()
		return nil, errors.Wrapf(err, "connect %s:%d", rip, rport)
	}

	for t.state == SYN_SENT || t.state == SYN_RECEIVED {
		t.waitReadable()
	}
	if t.state == CLOSED {
		cause := t.err
		proto := t.proto
		t.proto = nil
		t.mu.Unlock()
		proto.Release()
		app.Release()
		if cause == nil {
			cause = ErrConnectionRefused
		}
		return nil, errors.Wrapf(ErrConnectionRefused, "connect %s:%d: %v", rip, rport, cause)
	}
	t.mu.Unlock()
	return &Conn{s: s, ref: app}, nil
}

// Read blocks until data is available. It returns io.EOF once the peer's
// FIN has been consumed.
func (c *Conn) Read(b []byte) (int, error) {
	if c.ref.Released() {
		return 0, ErrConnectionClosing
	}
	s, t := c.s, c.ref.t
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.has(tfClosed) {
			return 0, ErrConnectionClosing
		}
		if t.rb != nil && t.rb.Length() > 0 {
			before := t.rb.Free()
			n, _ := t.rb.Read(b)
			// Reopen a window the peer may have stopped sending into.
			if before < int(t.smss) && t.rb.Free() >= int(t.smss) && t.state.synchronized() {
				t.flags |= tfAckNeeded
				s.flush(t)
			}
			return n, nil
		}
		if t.has(tfFinSeen) {
			return 0, io.EOF
		}
		if t.err != nil {
			return 0, t.err
		}
		if t.state == CLOSED {
			return 0, io.EOF
		}
		t.waitReadable()
	}
}

// Write queues b on the send buffer, blocking while the buffer is full.
func (c *Conn) Write(b []byte) (int, error) {
	if c.ref.Released() {
		return 0, ErrConnectionClosing
	}
	s, t := c.s, c.ref.t
	t.mu.Lock()
	defer t.mu.Unlock()

	written := 0
	for written < len(b) {
		if t.err != nil {
			return written, t.err
		}
		if t.has(tfClosed|tfFinPending) || (t.state != ESTABLISHED && t.state != CLOSE_WAIT) {
			return written, ErrConnectionClosing
		}
		n := t.sb.write(b[written:])
		if n > 0 {
			written += n
			s.flush(t)
			continue
		}
		t.waitWritable()
	}
	return written, nil
}

// Close starts the orderly close: a FIN follows whatever is still queued.
// It does not wait for the peer.
func (c *Conn) Close() error {
	if c.ref.Released() {
		return ErrConnectionClosing
	}
	s, t := c.s, c.ref.t
	t.mu.Lock()
	t.flags |= tfClosed
	switch t.state {
	case ESTABLISHED:
		t.flags |= tfFinPending
		s.transition(t, FIN_WAIT_1)
		s.flush(t)
	case CLOSE_WAIT:
		t.flags |= tfFinPending
		s.transition(t, LAST_ACK)
		s.flush(t)
	case SYN_SENT, SYN_RECEIVED:
		s.abort(t, ErrConnectionClosing)
	}
	t.wakeAll()
	t.mu.Unlock()
	c.ref.Release()
	return nil
}

// Listener is a passive open. Accept is only usable on listeners created
// with Listen or ListenAddr.
type Listener struct {
	s    *Stack
	ref  *Ref
	port uint16
}

func (s *Stack) Listen(port uint16) (*Listener, error) {
	return s.ListenAddr(netip.Addr{}, port)
}

// ListenAddr registers a blocking listener. An invalid ip matches any local
// address.
func (s *Stack) ListenAddr(ip netip.Addr, port uint16) (*Listener, error) {
	backlog, err := s.mboxes.Create(s.cfg.Backlog)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %d: backlog", port)
	}
	l, err := s.allocatePassive(ip, port, listener{kind: listenerBlocking, backlog: backlog})
	if err != nil {
		_ = s.mboxes.Delete(backlog)
		return nil, err
	}
	return l, nil
}

// ListenFunc registers a listener that hands every established connection
// to fn instead of queueing it for Accept.
func (s *Stack) ListenFunc(port uint16, fn AcceptFunc) (*Listener, error) {
	if fn == nil {
		return nil, errors.New("listen: nil callback")
	}
	return s.allocatePassive(netip.Addr{}, port, listener{kind: listenerCallback, backlog: -1, callback: fn})
}

func (s *Stack) allocatePassive(ip netip.Addr, port uint16, l listener) (*Listener, error) {
	var ref *Ref
	_, err := s.tab.allocate(func(t *TCB) error {
		if s.tab.listening(port) {
			return errors.Wrapf(ErrDuplicateConnection, "port %d already listening", port)
		}
		t.state = LISTEN
		t.passive = true
		t.localIP = ip
		t.localPort = port
		t.listener = l
		ref = s.tab.newRef(t)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %d", port)
	}
	s.log.Debugf("tcb %d: listening on %d", ref.h.Index, port)
	return &Listener{s: s, ref: ref, port: port}, nil
}

func (l *Listener) Port() uint16 {
	return l.port
}

func (l *Listener) Handle() Handle {
	return l.ref.Handle()
}

// Accept blocks until a connection queued on the backlog completes its
// handshake.
func (l *Listener) Accept() (*Conn, error) {
	s, lt := l.s, l.ref.t
	if l.ref.Released() {
		return nil, ErrListenerClosed
	}
	for {
		lt.mu.Lock()
		if lt.listener.kind != listenerBlocking {
			lt.mu.Unlock()
			return nil, ErrNotListening
		}
		var m mailbox.Message
		var err error
		for {
			if lt.state != LISTEN {
				lt.mu.Unlock()
				return nil, ErrListenerClosed
			}
			m, err = s.mboxes.Poll(lt.listener.backlog)
			if !errors.Is(err, mailbox.ErrWouldBlock) {
				break
			}
			lt.waitReadable()
		}
		lt.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(ErrListenerClosed, err.Error())
		}

		h, _ := decodeMessage(m)
		if c := l.claim(h); c != nil {
			return c, nil
		}
	}
}

// claim waits out the handshake of a backlog entry and takes its synced
// reference. It returns nil when the connection did not survive.
func (l *Listener) claim(h Handle) *Conn {
	tmp, err := l.s.tab.Acquire(h)
	if err != nil {
		return nil
	}
	defer tmp.Release()

	t := tmp.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state == SYN_RECEIVED {
		t.waitReadable()
	}
	if t.synced == nil {
		return nil
	}
	ref := t.synced
	t.synced = nil
	return &Conn{s: l.s, ref: ref}
}

// Close stops accepting. Connections still queued on the backlog are reset.
func (l *Listener) Close() error {
	if l.ref.Released() {
		return ErrListenerClosed
	}
	s, lt := l.s, l.ref.t
	lt.mu.Lock()
	s.transition(lt, CLOSED)
	lt.wakeAll()
	kind, backlog := lt.listener.kind, lt.listener.backlog
	lt.mu.Unlock()

	if kind == listenerBlocking {
		if err := s.mboxes.Disable(backlog); err != nil {
			s.log.Warnf("listener %d: disable backlog: %v", lt.index, err)
		}
		if err := s.mboxes.Clear(backlog, s.disposeBacklog); err != nil {
			s.log.Warnf("listener %d: clear backlog: %v", lt.index, err)
		}
		if err := s.mboxes.Delete(backlog); err != nil {
			s.log.Warnf("listener %d: delete backlog: %v", lt.index, err)
		}
	}
	l.ref.Release()
	return nil
}

func (s *Stack) disposeBacklog(m mailbox.Message) {
	h, _ := decodeMessage(m)
	ref, err := s.tab.Acquire(h)
	if err != nil {
		return
	}
	defer ref.Release()
	t := ref.t
	t.mu.Lock()
	defer t.mu.Unlock()
	s.sendRst(t)
	s.abort(t, ErrListenerClosed)
}
