package tcp

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"ktcp/pkg/metrics"
)

// handleListen spawns a SYN_RECEIVED TCB for a SYN arriving at listener lt.
// The listener itself never changes state.
func (s *Stack) handleListen(lt *TCB, p *TCPPacket) error {
	if !p.has(header.TCPFlagSyn) || p.has(header.TCPFlagRst) || p.has(header.TCPFlagAck) {
		if p.has(header.TCPFlagAck) && !p.has(header.TCPFlagRst) {
			s.sendReset(p)
		}
		return errors.Wrapf(ErrProtocol, "listener %d: want SYN, got %s", lt.index, flagString(p.Header.Flags))
	}

	kind := lt.listener
	child, err := s.tab.allocate(func(t *TCB) error {
		if err := s.tab.reserveBuffers(t, s.cfg.SendBuffer, s.cfg.RecvBuffer); err != nil {
			return err
		}
		t.state = SYN_RECEIVED
		t.localIP = p.DstIP
		t.localPort = p.Header.DstPort
		t.remoteIP = p.SrcIP
		t.remotePort = p.Header.SrcPort
		t.rnext = p.seq().Add(1)
		t.rbseq = t.rnext
		t.sndwl1 = p.seq()
		t.rwnd = uint32(p.Header.WindowSize)
		s.initSend(t, p.MSS)
		t.listener = listener{kind: kind.kind, backlog: -1, callback: kind.callback}
		t.proto = s.tab.newRef(t)
		return nil
	})
	if err != nil {
		s.log.Warnf("listener %d: no TCB for %s:%d: %v", lt.index, p.SrcIP, p.Header.SrcPort, err)
		return errors.Wrapf(err, "listener %d", lt.index)
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	s.log.Debugf("listener %d: tcb %d SYN_RECEIVED from %s:%d", lt.index, child.index, p.SrcIP, p.Header.SrcPort)

	if kind.kind == listenerBlocking {
		if err := s.mboxes.Send(kind.backlog, child.handle().message(EventNone)); err != nil {
			metrics.MailboxSendFailuresTotal.WithLabelValues("backlog").Inc()
			child.state = CLOSED
			proto := child.proto
			child.proto = nil
			proto.Release()
			return errors.Wrapf(err, "listener %d backlog", lt.index)
		}
		lt.wakeReader()
	}

	s.processData(child, p)
	s.flush(child)
	return nil
}
