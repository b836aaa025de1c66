package tcp

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// finAcked reports whether the peer has acknowledged our FIN.
func (t *TCB) finAcked() bool {
	return t.has(tfFinSent) && t.sfin.LessThan(t.suna)
}

func (s *Stack) handleFinWait1(t *TCB, p *TCPPacket) error {
	s.processData(t, p)
	switch {
	case t.finAcked() && t.has(tfFinSeen):
		s.enterTimeWait(t)
	case t.finAcked():
		s.transition(t, FIN_WAIT_2)
		s.timers.Schedule(s.cfg.FinWait2Timeout, t.handle(), EventExpire)
	case t.has(tfFinSeen):
		s.transition(t, CLOSING)
	}
	s.flush(t)
	return nil
}

// handleFinWait2 waits for the peer's FIN once ours is acknowledged.
func (s *Stack) handleFinWait2(t *TCB, p *TCPPacket) error {
	s.processData(t, p)
	if t.has(tfFinSeen) && t.rfin.LessThan(t.rnext) {
		s.enterTimeWait(t)
	}
	s.flush(t)
	return nil
}

// handleClosing moves to TIME_WAIT once our FIN is acknowledged. Until
// then queued data and the FIN may still be waiting for window.
func (s *Stack) handleClosing(t *TCB, p *TCPPacket) error {
	if t.finAcked() {
		s.enterTimeWait(t)
		return nil
	}
	s.flush(t)
	return nil
}

func (s *Stack) handleLastAck(t *TCB, p *TCPPacket) error {
	if t.finAcked() {
		s.finish(t)
		return nil
	}
	s.flush(t)
	return nil
}

// handleTimeWait re-acknowledges a retransmitted FIN and restarts the
// 2*MSL timer. Everything else is dropped, RST included.
func (s *Stack) handleTimeWait(t *TCB, p *TCPPacket) error {
	if p.has(header.TCPFlagRst) {
		return nil
	}
	if !p.has(header.TCPFlagFin) {
		return errors.Wrapf(ErrProtocol, "tcb %d: TIME_WAIT got %s", t.index, flagString(p.Header.Flags))
	}
	t.flags |= tfAckNeeded
	s.flush(t)
	s.timers.Schedule(2*s.cfg.MSL, t.handle(), EventExpire)
	return nil
}

func (s *Stack) enterTimeWait(t *TCB) {
	h := t.handle()
	s.timers.Cancel(h, EventRetransmit)
	s.timers.Schedule(2*s.cfg.MSL, h, EventExpire)
	s.transition(t, TIME_WAIT)
	t.wakeAll()
}

// expire handles the TIME_WAIT and FIN_WAIT_2 timers.
func (s *Stack) expire(t *TCB) {
	switch t.state {
	case TIME_WAIT, FIN_WAIT_2:
		s.finish(t)
	}
}

// finish ends an orderly close and drops the protocol reference.
func (s *Stack) finish(t *TCB) {
	s.transition(t, CLOSED)
	s.cancelTimers(t)
	t.wakeAll()
	proto := t.proto
	t.proto = nil
	proto.Release()
}

// abort closes t with err. The synced reference is dropped too when no
// application has claimed it yet.
func (s *Stack) abort(t *TCB, err error) {
	if t.state == CLOSED {
		return
	}
	s.log.Debugf("tcb %d: abort in %s: %v", t.index, t.state, err)
	t.err = err
	s.transition(t, CLOSED)
	s.cancelTimers(t)
	t.wakeAll()
	proto, synced := t.proto, t.synced
	t.proto, t.synced = nil, nil
	proto.Release()
	synced.Release()
}
