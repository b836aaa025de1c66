package tcp

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// TCPPacket is a decoded inbound segment.
type TCPPacket struct {
	SrcIP  netip.Addr
	DstIP  netip.Addr
	Header header.TCPFields
	MSS    uint16 // peer MSS from a SYN, zero otherwise
	Data   []byte
}

func UnmarshalHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
}

// UnmarshalTCPPacket decodes a segment whose checksum the network layer has
// already verified.
func UnmarshalTCPPacket(rawMsg []byte, srcIP, dstIP netip.Addr) (*TCPPacket, error) {
	if len(rawMsg) < TCPHeaderLen {
		return nil, errors.Wrapf(ErrProtocol, "short segment of %d bytes", len(rawMsg))
	}
	hdr := UnmarshalHeader(rawMsg)
	off := int(hdr.DataOffset)
	if off < TCPHeaderLen || off > len(rawMsg) {
		return nil, errors.Wrapf(ErrProtocol, "bad data offset %d", off)
	}
	p := &TCPPacket{
		SrcIP:  srcIP,
		DstIP:  dstIP,
		Header: hdr,
		Data:   rawMsg[off:],
	}
	if hdr.Flags&header.TCPFlagSyn != 0 {
		opts := header.ParseSynOptions(rawMsg[TCPHeaderLen:off], hdr.Flags&header.TCPFlagAck != 0)
		p.MSS = opts.MSS
	}
	return p, nil
}

// Marshal encodes the segment. A non-zero MSS is written as the only option.
func (p *TCPPacket) Marshal() []byte {
	hdrLen := TCPHeaderLen
	if p.MSS != 0 {
		hdrLen = SynHeaderLen
	}
	b := make([]byte, hdrLen+len(p.Data))
	p.encode(b)
	return b
}

func (p *TCPPacket) encode(b []byte) {
	fields := p.Header
	fields.DataOffset = TCPHeaderLen
	if p.MSS != 0 {
		fields.DataOffset = SynHeaderLen
		header.EncodeMSSOption(uint32(p.MSS), b[TCPHeaderLen:SynHeaderLen])
	}
	header.TCP(b).Encode(&fields)
	copy(b[fields.DataOffset:], p.Data)
}

func (p *TCPPacket) has(flag uint8) bool {
	return p.Header.Flags&flag != 0
}

func (p *TCPPacket) seq() seqnum.Value {
	return seqnum.Value(p.Header.SeqNum)
}

func (p *TCPPacket) ack() seqnum.Value {
	return seqnum.Value(p.Header.AckNum)
}

// seqLen is the sequence space the segment occupies.
func (p *TCPPacket) seqLen() seqnum.Size {
	n := seqnum.Size(len(p.Data))
	if p.has(header.TCPFlagSyn) {
		n++
	}
	if p.has(header.TCPFlagFin) {
		n++
	}
	return n
}

func flagString(flags uint8) string {
	s := ""
	for _, f := range []struct {
		bit  uint8
		name string
	}{
		{header.TCPFlagSyn, "S"},
		{header.TCPFlagAck, "A"},
		{header.TCPFlagFin, "F"},
		{header.TCPFlagRst, "R"},
		{header.TCPFlagPsh, "P"},
	} {
		if flags&f.bit != 0 {
			s += f.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

func ConvertStateToString(connState TCPState) string {
	switch connState {
	case FREE:
		return "FREE"
	case CLOSED:
		return "CLOSED"
	case LISTEN:
		return "LISTEN"
	case SYN_SENT:
		return "SYN_SENT"
	case SYN_RECEIVED:
		return "SYN_RECEIVED"
	case ESTABLISHED:
		return "ESTABLISHED"
	case FIN_WAIT_1:
		return "FIN_WAIT_1"
	case FIN_WAIT_2:
		return "FIN_WAIT_2"
	case CLOSE_WAIT:
		return "CLOSE_WAIT"
	case CLOSING:
		return "CLOSING"
	case LAST_ACK:
		return "LAST_ACK"
	case TIME_WAIT:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}
