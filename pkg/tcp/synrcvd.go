package tcp

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// handleSynReceived completes a passive open on the ACK of our SYN.
func (s *Stack) handleSynReceived(t *TCB, p *TCPPacket) error {
	if !p.has(header.TCPFlagAck) || p.seq() != t.rnext {
		return errors.Wrapf(ErrProtocol, "tcb %d: SYN_RECEIVED wants ACK at %d, got %s at %d",
			t.index, t.rnext, flagString(p.Header.Flags), p.seq())
	}

	if t.listener.kind != listenerNone {
		ref, err := s.tab.Acquire(t.handle())
		if err != nil {
			return err
		}
		t.synced = ref
	}
	s.transition(t, ESTABLISHED)
	t.suna = t.suna.Add(1)
	t.sndwl1 = p.seq()
	t.sndwl2 = p.ack()
	t.rwnd = uint32(p.Header.WindowSize)
	if t.suna == t.snext {
		s.timers.Cancel(t.handle(), EventRetransmit)
	}
	s.resetBackoff(t)

	if s.processData(t, p) {
		t.flags |= tfAckNeeded
		s.flush(t)
	}
	if t.has(tfFinSeen) {
		s.transition(t, CLOSE_WAIT)
	}

	if t.listener.kind == listenerCallback {
		// Delivered by the notifier with no TCB lock held.
		s.completions <- completion{fn: t.listener.callback, ref: t.synced}
		t.synced = nil
		return nil
	}
	t.wakeReader()
	return nil
}
