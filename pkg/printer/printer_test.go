package printer

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ktcp/pkg/mailbox"
	"ktcp/pkg/tcp"
)

func TestPrintTCBs(t *testing.T) {
	r := require.New(t)
	var buf bytes.Buffer
	PrintTCBs(&buf, []tcp.Info{
		{Handle: tcp.Handle{Index: 0, Gen: 1}, State: tcp.LISTEN, LocalPort: 80, Refs: 1},
		{
			Handle:     tcp.Handle{Index: 1, Gen: 0},
			State:      tcp.ESTABLISHED,
			LocalIP:    netip.MustParseAddr("10.0.0.1"),
			LocalPort:  80,
			RemoteIP:   netip.MustParseAddr("10.0.0.2"),
			RemotePort: 40000,
			Refs:       2,
			RecvQueued: 12,
			Timers:     []tcp.Event{tcp.EventRetransmit, tcp.EventDelayedAck},
		},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	r.Len(lines, 4)
	r.Contains(lines[2], "*:80")
	r.Contains(lines[2], "*:*")
	r.Contains(lines[2], "LISTEN")
	r.Contains(lines[3], "10.0.0.2:40000")
	r.Contains(lines[3], "ESTABLISHED")
	r.True(strings.HasSuffix(lines[2], "-"))
	r.Contains(lines[3], "    12  ")
	r.True(strings.HasSuffix(lines[3], "RETRANSMIT,DELAYED_ACK"))
}

func TestPrintMailboxes(t *testing.T) {
	r := require.New(t)
	tab := mailbox.NewTable(4)
	id, err := tab.Create(3)
	r.NoError(err)
	r.NoError(tab.Send(id, 1))
	disabled, err := tab.Create(1)
	r.NoError(err)
	r.NoError(tab.Disable(disabled))

	var buf bytes.Buffer
	PrintMailboxes(&buf, tab.Info())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	r.Len(lines, 4)
	r.Contains(lines[2], "ALLOCATED")
	r.Contains(lines[3], "DISABLED")
	r.NotContains(buf.String(), "FREE")
}
