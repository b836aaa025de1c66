package tcp

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// acceptable checks the segment against the receive window. Unacceptable
// segments are answered with an ACK unless they carry RST.
func (s *Stack) acceptable(t *TCB, p *TCPPacket) error {
	wnd := seqnum.Size(t.rb.Free())
	seq, n := p.seq(), p.seqLen()

	var ok bool
	switch {
	case n == 0 && wnd == 0:
		ok = seq == t.rnext
	case n == 0:
		ok = seq.InWindow(t.rnext, wnd)
	case wnd == 0:
		ok = false
	default:
		ok = seq.InWindow(t.rnext, wnd) || seq.Add(n-1).InWindow(t.rnext, wnd)
	}
	if ok {
		return nil
	}
	if !p.has(header.TCPFlagRst) {
		t.flags |= tfAckNeeded
		s.flush(t)
	}
	return errors.Wrapf(ErrProtocol, "tcb %d: seq %d outside window %d+%d", t.index, seq, t.rnext, wnd)
}

// processAck applies the acknowledgment and window of a segment in a
// synchronized state.
func (s *Stack) processAck(t *TCB, p *TCPPacket) error {
	if !p.has(header.TCPFlagAck) {
		return errors.Wrapf(ErrProtocol, "tcb %d: no ACK", t.index)
	}
	ack := p.ack()
	if t.snext.LessThan(ack) {
		t.flags |= tfAckNeeded
		s.flush(t)
		return errors.Wrapf(ErrProtocol, "tcb %d: ack %d beyond snext %d", t.index, ack, t.snext)
	}

	h := t.handle()
	if t.suna.LessThan(ack) {
		acked := int(t.suna.Size(ack))
		if t.has(tfFinSent) && t.sfin.InRange(t.suna, ack) {
			acked--
		}
		t.sb.consume(acked)
		t.suna = ack
		if t.has(tfRTTPending) && t.rttseq.LessThan(ack) {
			s.sampleRTT(t)
		}
		s.resetBackoff(t)
		if t.suna == t.snext {
			s.timers.Cancel(h, EventRetransmit)
		} else {
			s.timers.Schedule(t.rto, h, EventRetransmit)
		}
		for t.writers > 0 {
			t.writers--
			t.wblock.Signal()
		}
	}

	if t.sndwl1.LessThan(p.seq()) || (t.sndwl1 == p.seq() && t.sndwl2.LessThanEq(ack)) {
		t.rwnd = uint32(p.Header.WindowSize)
		t.sndwl1 = p.seq()
		t.sndwl2 = ack
	}
	return nil
}

// processData queues in-order payload and a FIN into the receive side. It
// reports whether anything was accepted.
func (s *Stack) processData(t *TCB, p *TCPPacket) bool {
	data := p.Data
	seq := p.seq()
	if p.has(header.TCPFlagSyn) {
		seq = seq.Add(1)
	}
	fin := p.has(header.TCPFlagFin)
	if len(data) == 0 && !fin {
		return false
	}
	if t.has(tfFinSeen) {
		t.flags |= tfAckNeeded
		return false
	}

	if seq.LessThan(t.rnext) {
		dup := int(seq.Size(t.rnext))
		if dup > len(data) || (dup == len(data) && !fin) {
			t.flags |= tfAckNeeded
			return false
		}
		data = data[dup:]
		seq = t.rnext
	}
	if seq != t.rnext {
		// Out of order; the peer will retransmit.
		t.flags |= tfAckNeeded
		return false
	}

	n := 0
	if len(data) > 0 {
		n, _ = t.rb.Write(data)
		t.rnext = t.rnext.Add(seqnum.Size(n))
	}
	if fin && n == len(data) {
		t.rfin = t.rnext
		t.rnext = t.rnext.Add(1)
		t.flags |= tfFinSeen | tfAckNeeded
		t.wakeAll()
		return true
	}
	if n == 0 {
		t.flags |= tfAckNeeded
		return false
	}
	t.wakeReader()
	s.scheduleAck(t)
	return true
}

// scheduleAck arms the delayed ACK timer if it is not already running.
func (s *Stack) scheduleAck(t *TCB) {
	if t.has(tfAckPending) {
		return
	}
	t.flags |= tfAckPending
	s.timers.Schedule(s.cfg.DelayedAck, t.handle(), EventDelayedAck)
}

func (s *Stack) handleEstablished(t *TCB, p *TCPPacket) error {
	s.processData(t, p)
	if t.has(tfFinSeen) {
		s.transition(t, CLOSE_WAIT)
	}
	s.flush(t)
	return nil
}

// handleCloseWait only has acknowledgments to absorb; the peer has already
// finished sending.
func (s *Stack) handleCloseWait(t *TCB, p *TCPPacket) error {
	if p.has(header.TCPFlagFin) {
		t.flags |= tfAckNeeded
	}
	s.flush(t)
	return nil
}

// handleSynSent completes an active open.
func (s *Stack) handleSynSent(t *TCB, p *TCPPacket) error {
	if p.has(header.TCPFlagAck) {
		ack := p.ack()
		if ack.LessThanEq(t.ssyn) || t.snext.LessThan(ack) {
			if !p.has(header.TCPFlagRst) {
				s.sendReset(p)
			}
			return errors.Wrapf(ErrProtocol, "tcb %d: SYN_SENT got ack %d", t.index, ack)
		}
	}
	if p.has(header.TCPFlagRst) {
		if !p.has(header.TCPFlagAck) {
			return errors.Wrapf(ErrProtocol, "tcb %d: RST without ACK", t.index)
		}
		s.abort(t, ErrConnectionRefused)
		return nil
	}
	if !p.has(header.TCPFlagSyn) {
		return errors.Wrapf(ErrProtocol, "tcb %d: SYN_SENT wants SYN, got %s", t.index, flagString(p.Header.Flags))
	}

	t.rnext = p.seq().Add(1)
	t.rbseq = t.rnext
	t.sndwl1 = p.seq()
	t.rwnd = uint32(p.Header.WindowSize)
	if p.MSS != 0 && p.MSS < t.smss {
		t.smss = p.MSS
	}

	if !p.has(header.TCPFlagAck) {
		// Simultaneous open: answer with SYN-ACK.
		s.transition(t, SYN_RECEIVED)
		t.snext = t.ssyn
		s.timers.Cancel(t.handle(), EventRetransmit)
		s.flush(t)
		return nil
	}

	t.suna = p.ack()
	t.sndwl2 = p.ack()
	if t.suna == t.snext {
		s.timers.Cancel(t.handle(), EventRetransmit)
	}
	s.resetBackoff(t)
	s.transition(t, ESTABLISHED)
	s.processData(t, p)
	if t.has(tfFinSeen) {
		s.transition(t, CLOSE_WAIT)
	}
	t.flags |= tfAckNeeded
	s.flush(t)
	t.wakeReader()
	return nil
}
