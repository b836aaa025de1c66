package ipv4link

import (
	"encoding/binary"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	MaxMessageSize = 1400
	MaxHops        = 16

	TCPProtocolNum = uint8(header.TCPProtocolNumber)
)

var (
	ErrBadChecksum   = errors.New("invalid checksum")
	ErrNotLocal      = errors.New("packet not addressed to this host")
	ErrNoRoute       = errors.New("no neighbor for destination")
	ErrInterfaceDown = errors.New("interface down")
	ErrProtocol      = errors.New("unsupported protocol")
)

// Handler receives the transport payload of a packet addressed to us.
type Handler func(src, dst netip.Addr, payload []byte) error

func ComputeChecksum(b []byte) uint16 {
	checksum := header.Checksum(b, 0)
	// Inverted so the receiver can fold the stored value back in.
	return checksum ^ 0xffff
}

func ValidateChecksum(b []byte, fromHeader uint16) uint16 {
	return header.Checksum(b, fromHeader)
}

func pseudoHeaderSum(src, dst netip.Addr, length int) uint16 {
	var ph [12]byte
	s, d := src.As4(), dst.As4()
	copy(ph[0:4], s[:])
	copy(ph[4:8], d[:])
	ph[9] = TCPProtocolNum
	binary.BigEndian.PutUint16(ph[10:], uint16(length))
	return header.Checksum(ph[:], 0)
}

// SetTCPChecksum fills in the checksum of segment, covering the IPv4
// pseudo-header.
func SetTCPChecksum(src, dst netip.Addr, segment []byte) {
	tcp := header.TCP(segment)
	tcp.SetChecksum(0)
	xsum := header.Checksum(segment, pseudoHeaderSum(src, dst, len(segment)))
	tcp.SetChecksum(xsum ^ 0xffff)
}

func ValidTCPChecksum(src, dst netip.Addr, segment []byte) bool {
	if len(segment) < header.TCPMinimumSize {
		return false
	}
	return header.Checksum(segment, pseudoHeaderSum(src, dst, len(segment))) == 0xffff
}

// Frame prepends an IPv4 header to payload.
func Frame(src, dst netip.Addr, protocol uint8, payload []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(payload),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      MaxHops,
		Protocol: int(protocol),
		Checksum: 0,
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}

	b := make([]byte, 0, len(headerBytes)+len(payload))
	b = append(b, headerBytes...)
	return append(b, payload...), nil
}

// Parse validates an IPv4 packet and returns its header and payload.
func Parse(b []byte) (*ipv4header.IPv4Header, []byte, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse IPv4 header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, nil, errors.Errorf("bad IPv4 lengths %d/%d in %d bytes", hdr.Len, hdr.TotalLen, len(b))
	}
	fromHeader := uint16(hdr.Checksum)
	if ValidateChecksum(b[:hdr.Len], fromHeader) != fromHeader {
		return nil, nil, errors.Wrap(ErrBadChecksum, "IPv4 header")
	}
	return hdr, b[hdr.Len:hdr.TotalLen], nil
}

// deliver hands a packet for local to handler after validating it.
func deliver(local netip.Addr, b []byte, handler Handler) error {
	hdr, payload, err := Parse(b)
	if err != nil {
		return err
	}
	if hdr.Dst != local {
		return errors.Wrapf(ErrNotLocal, "%s", hdr.Dst)
	}
	if uint8(hdr.Protocol) != TCPProtocolNum {
		return errors.Wrapf(ErrProtocol, "protocol %d", hdr.Protocol)
	}
	if !ValidTCPChecksum(hdr.Src, hdr.Dst, payload) {
		return errors.Wrap(ErrBadChecksum, "TCP")
	}
	return handler(hdr.Src, hdr.Dst, payload)
}
