package tcp

import (
	"time"

	"ktcp/pkg/ktimer"
	"ktcp/pkg/mailbox"
	"ktcp/pkg/metrics"
)

// Timers schedules per-TCB events. An expiry is delivered to the output
// process as the matching Event.
type Timers interface {
	Schedule(delay time.Duration, h Handle, ev Event)
	Cancel(h Handle, ev Event)
	Pending(h Handle, ev Event) bool
}

// Clock supplies millisecond ticks for RTT sampling.
type Clock interface {
	Ticks() uint32
}

type wallClock struct {
	start time.Time
}

func (c wallClock) Ticks() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// mailboxTimers posts expiries into the command mailbox.
type mailboxTimers struct {
	svc    *ktimer.Service
	mboxes *mailbox.Table
	cmdq   mailbox.ID
}

func (m *mailboxTimers) Schedule(delay time.Duration, h Handle, ev Event) {
	msg := h.message(ev)
	m.svc.Set(delay, uint64(msg), func() {
		if err := m.mboxes.Send(m.cmdq, msg); err != nil {
			metrics.MailboxSendFailuresTotal.WithLabelValues("timer").Inc()
		}
	})
}

func (m *mailboxTimers) Cancel(h Handle, ev Event) {
	m.svc.Cancel(uint64(h.message(ev)))
}

func (m *mailboxTimers) Pending(h Handle, ev Event) bool {
	return m.svc.Pending(uint64(h.message(ev)))
}

func (s *Stack) cancelTimers(t *TCB) {
	h := t.handle()
	s.timers.Cancel(h, EventRetransmit)
	s.timers.Cancel(h, EventDelayedAck)
	s.timers.Cancel(h, EventExpire)
	t.flags &^= tfAckPending
}
