// Package netbuf provides the outbound packet buffers and the connection
// buffer budget shared by every TCB.
package netbuf

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoPacketBuffer = errors.New("no packet buffer available")
	ErrOutOfBuffers   = errors.New("connection buffer budget exhausted")
)

// Packet is an outbound transport segment waiting for IPv4 framing.
type Packet struct {
	Src  netip.Addr
	Dst  netip.Addr
	Data []byte

	pool *Pool
}

// Free returns the packet to the pool it came from.
func (p *Packet) Free() {
	if p.pool != nil {
		p.pool.FreePacket(p)
	}
}

type Config struct {
	Packets     int `envconfig:"PACKETS" default:"128" validate:"min=1"`
	PacketSize  int `envconfig:"PACKET_SIZE" default:"1500" validate:"min=64"`
	BufferBytes int `envconfig:"BUFFER_BYTES" default:"1048576" validate:"min=1"`
}

// Pool bounds the number of in-flight packets and the total bytes reserved
// for connection send and receive buffers.
type Pool struct {
	cfg     Config
	packets *semaphore.Weighted
	bytes   *semaphore.Weighted
}

func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		packets: semaphore.NewWeighted(int64(cfg.Packets)),
		bytes:   semaphore.NewWeighted(int64(cfg.BufferBytes)),
	}
}

// AllocPacket returns a packet with room for payload bytes. It never blocks.
func (p *Pool) AllocPacket(payload int) (*Packet, error) {
	if payload > p.cfg.PacketSize {
		return nil, errors.Wrapf(ErrNoPacketBuffer, "payload %d exceeds packet size %d", payload, p.cfg.PacketSize)
	}
	if !p.packets.TryAcquire(1) {
		return nil, ErrNoPacketBuffer
	}
	return &Packet{Data: make([]byte, payload), pool: p}, nil
}

func (p *Pool) FreePacket(pkt *Packet) {
	if pkt.pool != p {
		return
	}
	pkt.pool = nil
	p.packets.Release(1)
}

// Reserve charges n bytes against the buffer budget.
func (p *Pool) Reserve(n int) error {
	if !p.bytes.TryAcquire(int64(n)) {
		return errors.Wrapf(ErrOutOfBuffers, "reserve %d bytes", n)
	}
	return nil
}

func (p *Pool) Unreserve(n int) {
	p.bytes.Release(int64(n))
}
