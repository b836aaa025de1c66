// Package ipv4link carries TCP segments in IPv4 packets, either over UDP
// sockets standing in for a physical link or through an in-process hub.
package ipv4link

import (
	"context"
	"maps"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"ktcp/pkg/logging"
	"ktcp/pkg/metrics"
	"ktcp/pkg/netbuf"
)

type Config struct {
	VIP       netip.Prefix   `envconfig:"VIP" default:"10.0.0.1/24"`
	Bind      netip.AddrPort `envconfig:"BIND" default:"127.0.0.1:5000"`
	Neighbors []string       `envconfig:"NEIGHBORS"`
}

// ParseNeighbor reads "vip=udp-addr", e.g. "10.0.0.2=127.0.0.1:5001".
func ParseNeighbor(s string) (netip.Addr, netip.AddrPort, error) {
	vip, udp, ok := strings.Cut(s, "=")
	if !ok {
		return netip.Addr{}, netip.AddrPort{}, errors.Errorf("neighbor %q: want vip=host:port", s)
	}
	addr, err := netip.ParseAddr(vip)
	if err != nil {
		return netip.Addr{}, netip.AddrPort{}, errors.Wrapf(err, "neighbor %q", s)
	}
	ap, err := netip.ParseAddrPort(udp)
	if err != nil {
		return netip.Addr{}, netip.AddrPort{}, errors.Wrapf(err, "neighbor %q", s)
	}
	return addr, ap, nil
}

type InterfaceState bool

const (
	INTERFACEUP   InterfaceState = true
	INTERFACEDOWN InterfaceState = false
)

func (state InterfaceState) ToString() string {
	if state {
		return "up"
	}
	return "down"
}

func InterfaceStateFromString(s string) InterfaceState {
	if s == INTERFACEDOWN.ToString() {
		return INTERFACEDOWN
	}
	return INTERFACEUP
}

// Link is one virtual interface: an IPv4 address on a UDP socket, with the
// UDP addresses of its neighbors.
type Link struct {
	log       *logging.Logger
	pool      *netbuf.Pool
	prefix    netip.Prefix
	udp       netip.AddrPort
	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort
	conn      *net.UDPConn
	up        *atomic.Bool

	sent     *atomic.Uint64
	received *atomic.Uint64
	dropped  *atomic.Uint64
}

func New(log *logging.Logger, cfg Config, pool *netbuf.Pool) (*Link, error) {
	neighbors := make(map[netip.Addr]netip.AddrPort, len(cfg.Neighbors))
	for _, n := range cfg.Neighbors {
		vip, udp, err := ParseNeighbor(n)
		if err != nil {
			return nil, err
		}
		neighbors[vip] = udp
	}
	conn, err := InitInterfaceConn(cfg.Bind)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", cfg.Bind)
	}
	return &Link{
		log:       log.WithField("component", "link"),
		pool:      pool,
		prefix:    cfg.VIP,
		udp:       netip.AddrPortFrom(cfg.Bind.Addr(), uint16(conn.LocalAddr().(*net.UDPAddr).Port)),
		neighbors: neighbors,
		conn:      conn,
		up:        atomic.NewBool(true),
		sent:      atomic.NewUint64(0),
		received:  atomic.NewUint64(0),
		dropped:   atomic.NewUint64(0),
	}, nil
}

func InitInterfaceConn(udpAddr netip.AddrPort) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", net.UDPAddrFromAddrPort(udpAddr))
}

func (l *Link) LocalIP() netip.Addr {
	return l.prefix.Addr()
}

func (l *Link) Prefix() netip.Prefix {
	return l.prefix
}

// UDPAddr is the socket address the link is bound to.
func (l *Link) UDPAddr() netip.AddrPort {
	return l.udp
}

func (l *Link) Neighbors() map[netip.Addr]netip.AddrPort {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.neighbors)
}

func (l *Link) AddNeighbor(vip netip.Addr, udp netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neighbors[vip] = udp
}

func (l *Link) State() InterfaceState {
	return InterfaceState(l.up.Load())
}

// SetState brings the interface up or down. A down interface neither sends
// nor delivers.
func (l *Link) SetState(state InterfaceState) {
	l.up.Store(bool(state))
}

// Stats returns the packets sent, received and dropped so far.
func (l *Link) Stats() (sent, received, dropped uint64) {
	return l.sent.Load(), l.received.Load(), l.dropped.Load()
}

func (l *Link) AllocPacket(payload int) (*netbuf.Packet, error) {
	return l.pool.AllocPacket(payload)
}

// Enqueue frames the segment and writes it to the neighbor owning its
// destination. The packet is freed in every case.
func (l *Link) Enqueue(pkt *netbuf.Packet) error {
	defer pkt.Free()
	if !l.up.Load() {
		l.drop()
		return ErrInterfaceDown
	}
	src := pkt.Src
	if !src.IsValid() {
		src = l.LocalIP()
	}
	next, err := l.nextHop(pkt.Dst)
	if err != nil {
		l.drop()
		return err
	}

	SetTCPChecksum(src, pkt.Dst, pkt.Data)
	b, err := Frame(src, pkt.Dst, TCPProtocolNum, pkt.Data)
	if err != nil {
		l.drop()
		return err
	}
	if _, err := l.conn.WriteToUDPAddrPort(b, next); err != nil {
		l.drop()
		return errors.Wrapf(err, "write to %s", next)
	}
	l.sent.Inc()
	metrics.LinkPacketsTotal.WithLabelValues("tx").Inc()
	return nil
}

func (l *Link) nextHop(dst netip.Addr) (netip.AddrPort, error) {
	if dst == l.LocalIP() {
		return l.udp, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if udp, ok := l.neighbors[dst]; ok {
		return udp, nil
	}
	return netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s", dst)
}

func (l *Link) drop() {
	l.dropped.Inc()
	metrics.LinkPacketsTotal.WithLabelValues("drop").Inc()
}

// Serve reads packets until ctx is done and passes every valid TCP packet
// addressed to this host to handler.
func (l *Link) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.Close()
	})
	defer stop()

	buffer := make([]byte, MaxMessageSize)
	for {
		n, _, err := l.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		if !l.up.Load() {
			l.drop()
			continue
		}
		// The handler may keep the payload.
		b := make([]byte, n)
		copy(b, buffer[:n])
		if err := deliver(l.LocalIP(), b, handler); err != nil {
			l.drop()
			l.log.Debugf("drop packet: %v", err)
			continue
		}
		l.received.Inc()
		metrics.LinkPacketsTotal.WithLabelValues("rx").Inc()
	}
}

// Close releases the socket when Serve was never started.
func (l *Link) Close() error {
	return l.conn.Close()
}
