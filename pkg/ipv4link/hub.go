package ipv4link

import (
	"context"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"ktcp/pkg/logging"
	"ktcp/pkg/metrics"
	"ktcp/pkg/netbuf"
)

// Hub joins in-process hosts. Packets are queued and delivered from Run,
// never from the sender's goroutine.
type Hub struct {
	log      *logging.Logger
	mu       sync.Mutex
	handlers map[netip.Addr]Handler
	frames   chan []byte
	dropped  *atomic.Uint64
}

func NewHub(log *logging.Logger, depth int) *Hub {
	return &Hub{
		log:      log.WithField("component", "hub"),
		handlers: map[netip.Addr]Handler{},
		frames:   make(chan []byte, depth),
		dropped:  atomic.NewUint64(0),
	}
}

// Attach returns the network interface of host ip. Its handler is set later
// with Register.
func (h *Hub) Attach(ip netip.Addr, pool *netbuf.Pool) *Loopback {
	return &Loopback{hub: h, ip: ip, pool: pool}
}

func (h *Hub) Register(ip netip.Addr, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[ip] = handler
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) send(b []byte) error {
	select {
	case h.frames <- b:
		metrics.LinkPacketsTotal.WithLabelValues("tx").Inc()
		return nil
	default:
		h.dropped.Inc()
		metrics.LinkPacketsTotal.WithLabelValues("drop").Inc()
		return errors.New("hub queue full")
	}
}

// Run delivers queued packets until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-h.frames:
			hdr, _, err := Parse(b)
			if err != nil {
				h.dropped.Inc()
				continue
			}
			h.mu.Lock()
			handler, ok := h.handlers[hdr.Dst]
			h.mu.Unlock()
			if !ok {
				h.dropped.Inc()
				metrics.LinkPacketsTotal.WithLabelValues("drop").Inc()
				continue
			}
			if err := deliver(hdr.Dst, b, handler); err != nil {
				h.log.Debugf("drop packet for %s: %v", hdr.Dst, err)
				continue
			}
			metrics.LinkPacketsTotal.WithLabelValues("rx").Inc()
		}
	}
}

// Loopback is a host's interface on a Hub.
type Loopback struct {
	hub  *Hub
	ip   netip.Addr
	pool *netbuf.Pool
}

func (lb *Loopback) LocalIP() netip.Addr {
	return lb.ip
}

func (lb *Loopback) AllocPacket(payload int) (*netbuf.Packet, error) {
	return lb.pool.AllocPacket(payload)
}

func (lb *Loopback) Enqueue(pkt *netbuf.Packet) error {
	defer pkt.Free()
	src := pkt.Src
	if !src.IsValid() {
		src = lb.ip
	}
	SetTCPChecksum(src, pkt.Dst, pkt.Data)
	b, err := Frame(src, pkt.Dst, TCPProtocolNum, pkt.Data)
	if err != nil {
		return err
	}
	return lb.hub.send(b)
}
