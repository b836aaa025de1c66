package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ReasonLabel string = "reason"
	StateLabel  string = "state"
)

var (
	SegmentsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktcp_segments_sent_total",
		Help: "Counter for segments handed to the network layer",
	})

	SegmentsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktcp_segments_received_total",
		Help: "Counter for inbound segments passed to the dispatcher",
	})

	SegmentsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktcp_segments_dropped_total",
		Help: "Counter for inbound segments dropped by the dispatcher or a state handler",
	}, []string{ReasonLabel})

	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktcp_retransmits_total",
		Help: "Counter for retransmission timer expiries that resent data",
	})

	PacketBufferExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktcp_packet_buffer_exhausted_total",
		Help: "Counter for transmit attempts that found no free packet buffer",
	})

	TCBAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktcp_tcb_allocations_total",
		Help: "Counter for TCB slot allocations by initial state",
	}, []string{StateLabel})

	TCBAllocationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktcp_tcb_allocation_failures_total",
		Help: "Counter for failed TCB allocations",
	}, []string{ReasonLabel})

	TCBActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ktcp_tcb_active",
		Help: "Number of TCB slots not in FREE state",
	})

	MailboxSendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktcp_mailbox_send_failures_total",
		Help: "Counter for messages that could not be posted to a mailbox",
	}, []string{ReasonLabel})

	LinkPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktcp_link_packets_total",
		Help: "Counter for IPv4 packets on the virtual link",
	}, []string{"direction"})
)
