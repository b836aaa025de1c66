package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"ktcp/pkg/metrics"
)

const maxWindow = 0xffff

// initSend sets the send sequence state and retransmission backoff of a new
// TCB. A non-zero peerMSS lowers the segment size.
func (s *Stack) initSend(t *TCB, peerMSS uint16) {
	t.ssyn = initialSequence
	t.suna = t.ssyn
	t.snext = t.ssyn
	t.ssthresh = maxWindow
	t.smss = s.cfg.MSS
	if peerMSS != 0 && peerMSS < t.smss {
		t.smss = peerMSS
	}
	t.rto = s.cfg.RTOInitial

	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.cfg.RTOMax
	b.MaxElapsedTime = 0
	t.expo = b
	t.rexmt = backoff.WithMaxRetries(b, s.cfg.MaxRetransmits)
	s.resetBackoff(t)
}

// resetBackoff restarts the retransmission schedule from the current RTO.
// The first retransmission doubles the timeout.
func (s *Stack) resetBackoff(t *TCB) {
	t.expo.InitialInterval = min(2*t.rto, s.cfg.RTOMax)
	t.rexmt.Reset()
}

// sampleRTT folds the live RTT sample into the smoothed estimate.
func (s *Stack) sampleRTT(t *TCB) {
	sample := float64(s.clock.Ticks() - t.rtttime)
	if t.srtt == 0 {
		t.srtt = sample
	} else {
		t.srtt = ALPHA*t.srtt + (1-ALPHA)*sample
	}
	rto := time.Duration(BETA*t.srtt) * time.Millisecond
	t.rto = min(max(rto, s.cfg.RTOMin), s.cfg.RTOMax)
	t.flags &^= tfRTTPending
}

func (s *Stack) window(t *TCB) uint16 {
	if t.rb == nil {
		return 0
	}
	return uint16(min(uint32(t.rb.Free()), t.ssthresh, maxWindow))
}

// dataInFlight is the number of sent but unacknowledged data bytes.
func (t *TCB) dataInFlight() int {
	n := int(t.suna.Size(t.snext))
	if t.has(tfFinSent) && t.suna.LessThanEq(t.sfin) {
		n--
	}
	return n
}

// sendSegment builds and enqueues one segment: length bytes taken offset
// bytes past suna in the send buffer.
func (s *Stack) sendSegment(t *TCB, offset, length int, flags uint8) error {
	if length > 0 && offset+length > t.sb.count {
		return errors.Wrapf(ErrSendRange, "tcb %d: %d bytes at offset %d, %d buffered", t.index, length, offset, t.sb.count)
	}
	h := t.handle()
	syn := flags&header.TCPFlagSyn != 0
	consumes := length > 0 || syn || flags&header.TCPFlagFin != 0

	hdrLen := TCPHeaderLen
	if syn {
		hdrLen = SynHeaderLen
	}
	pkt, err := s.net.AllocPacket(hdrLen + length)
	if err != nil {
		metrics.PacketBufferExhaustedTotal.Inc()
		// Retry from the retransmission timer.
		if consumes && t.suna == t.snext {
			s.timers.Schedule(t.rto, h, EventRetransmit)
		}
		if !errors.Is(err, ErrNoPacketBuffer) {
			err = errors.Wrap(ErrNoPacketBuffer, err.Error())
		}
		return errors.Wrapf(err, "tcb %d", t.index)
	}

	seq := t.suna.Add(seqnum.Size(offset))
	p := TCPPacket{
		Header: header.TCPFields{
			SrcPort:    t.localPort,
			DstPort:    t.remotePort,
			SeqNum:     uint32(seq),
			Flags:      flags,
			WindowSize: s.window(t),
		},
	}
	if flags&header.TCPFlagAck != 0 {
		p.Header.AckNum = uint32(t.rnext)
	}
	if syn {
		p.MSS = s.cfg.MSS
	}
	p.encode(pkt.Data[:hdrLen])
	t.sb.copyOut(pkt.Data[hdrLen:], offset)
	pkt.Src = t.localIP
	pkt.Dst = t.remoteIP

	if consumes && t.suna == t.snext {
		s.timers.Schedule(t.rto, h, EventRetransmit)
	}
	if t.has(tfAckPending) {
		s.timers.Cancel(h, EventDelayedAck)
	}
	t.flags &^= tfAckPending | tfAckNeeded
	if length > 0 && !t.has(tfRTTPending) {
		t.flags |= tfRTTPending
		t.rttseq = seq
		t.rtttime = s.clock.Ticks()
	}

	if err := s.net.Enqueue(pkt); err != nil {
		return errors.Wrapf(err, "tcb %d: enqueue", t.index)
	}
	metrics.SegmentsSentTotal.Inc()
	s.log.Debugf("tcb %d: send %s seq=%d ack=%d len=%d", t.index, flagString(flags), seq, p.Header.AckNum, length)
	return nil
}

// xmit sends whatever the TCB owes its peer: a SYN, queued data within the
// peer's window, a FIN, or a bare ACK.
func (s *Stack) xmit(t *TCB) error {
	switch t.state {
	case FREE, CLOSED, LISTEN:
		return nil
	case SYN_SENT, SYN_RECEIVED:
		if t.snext != t.ssyn {
			return nil
		}
		flags := uint8(header.TCPFlagSyn)
		if t.state == SYN_RECEIVED {
			flags |= header.TCPFlagAck
		}
		if err := s.sendSegment(t, 0, 0, flags); err != nil {
			return err
		}
		t.snext = t.ssyn.Add(1)
		return nil
	}

	sent := false
	for !t.has(tfFinSent) {
		off := t.dataInFlight()
		unsent := t.sb.count - off
		if unsent <= 0 {
			break
		}
		n := min(unsent, int(t.rwnd)-off, int(t.smss))
		probe := false
		if n <= 0 {
			// Zero window with nothing outstanding: probe with one byte.
			if off > 0 || t.rwnd > 0 {
				break
			}
			n, probe = 1, true
		}
		flags := uint8(header.TCPFlagAck)
		if n == unsent {
			flags |= header.TCPFlagPsh
		}
		if err := s.sendSegment(t, off, n, flags); err != nil {
			return err
		}
		t.snext = t.snext.Add(seqnum.Size(n))
		sent = true
		if probe {
			break
		}
	}

	if t.has(tfFinPending) && !t.has(tfFinSent) && t.dataInFlight() == t.sb.count {
		if err := s.sendSegment(t, t.dataInFlight(), 0, header.TCPFlagFin|header.TCPFlagAck); err != nil {
			return err
		}
		t.sfin = t.snext
		t.snext = t.snext.Add(1)
		t.flags |= tfFinSent
		sent = true
	}

	if !sent && t.has(tfAckNeeded) {
		return s.sendSegment(t, int(t.suna.Size(t.snext)), 0, header.TCPFlagAck)
	}
	return nil
}

// flush runs xmit from a state handler. Transmit failures are recovered by
// the retransmission timer.
func (s *Stack) flush(t *TCB) {
	if err := s.xmit(t); err != nil {
		s.log.Warnf("tcb %d: transmit: %v", t.index, err)
	}
}

// retransmit resends from suna when the retransmission timer expires.
func (s *Stack) retransmit(t *TCB) error {
	switch t.state {
	case FREE, CLOSED, LISTEN, TIME_WAIT:
		return nil
	}
	if t.suna == t.snext {
		// An earlier send found no packet buffer.
		return s.xmit(t)
	}

	h := t.handle()
	next := t.rexmt.NextBackOff()
	if next == backoff.Stop {
		s.sendRst(t)
		s.abort(t, ErrTimedOut)
		return errors.Wrapf(ErrTimedOut, "tcb %d after %d retransmissions", t.index, s.cfg.MaxRetransmits)
	}
	metrics.RetransmitsTotal.Inc()

	var err error
	switch t.state {
	case SYN_SENT, SYN_RECEIVED:
		flags := uint8(header.TCPFlagSyn)
		if t.state == SYN_RECEIVED {
			flags |= header.TCPFlagAck
		}
		err = s.sendSegment(t, 0, 0, flags)
	default:
		data := t.dataInFlight()
		n := min(data, int(t.smss))
		flags := uint8(header.TCPFlagAck)
		if n > 0 {
			flags |= header.TCPFlagPsh
		}
		if n == data && t.has(tfFinSent) && t.suna.LessThanEq(t.sfin) {
			flags |= header.TCPFlagFin
		}
		err = s.sendSegment(t, 0, n, flags)
	}
	// Karn: never time a retransmitted segment.
	t.flags &^= tfRTTPending
	s.timers.Schedule(next, h, EventRetransmit)
	return err
}

// sendRst resets the peer of t.
func (s *Stack) sendRst(t *TCB) {
	switch t.state {
	case FREE, CLOSED, LISTEN, SYN_SENT:
		return
	}
	pkt, err := s.net.AllocPacket(TCPHeaderLen)
	if err != nil {
		metrics.PacketBufferExhaustedTotal.Inc()
		return
	}
	p := TCPPacket{Header: header.TCPFields{
		SrcPort: t.localPort,
		DstPort: t.remotePort,
		SeqNum:  uint32(t.snext),
		AckNum:  uint32(t.rnext),
		Flags:   header.TCPFlagRst | header.TCPFlagAck,
	}}
	p.encode(pkt.Data)
	pkt.Src, pkt.Dst = t.localIP, t.remoteIP
	if err := s.net.Enqueue(pkt); err == nil {
		metrics.SegmentsSentTotal.Inc()
	}
}

// sendReset answers a segment that matched no TCB.
func (s *Stack) sendReset(in *TCPPacket) {
	pkt, err := s.net.AllocPacket(TCPHeaderLen)
	if err != nil {
		metrics.PacketBufferExhaustedTotal.Inc()
		return
	}
	p := TCPPacket{Header: header.TCPFields{
		SrcPort: in.Header.DstPort,
		DstPort: in.Header.SrcPort,
	}}
	if in.has(header.TCPFlagAck) {
		p.Header.SeqNum = in.Header.AckNum
		p.Header.Flags = header.TCPFlagRst
	} else {
		p.Header.AckNum = uint32(in.seq().Add(in.seqLen()))
		p.Header.Flags = header.TCPFlagRst | header.TCPFlagAck
	}
	p.encode(pkt.Data)
	pkt.Src, pkt.Dst = in.DstIP, in.SrcIP
	if err := s.net.Enqueue(pkt); err == nil {
		metrics.SegmentsSentTotal.Inc()
	}
}
