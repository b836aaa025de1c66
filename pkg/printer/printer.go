package printer

// contains print functions for the REPL

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strings"

	"github.com/samber/lo"

	"ktcp/pkg/ipv4link"
	"ktcp/pkg/mailbox"
	"ktcp/pkg/tcp"
)

func PrintInterface(w io.Writer, l *ipv4link.Link) {
	fmt.Fprintf(w, "%-15s %-21s %s\n", "Addr/Prefix", "UDPAddr", "State")
	fmt.Fprintln(w, strings.Repeat("-", 44))
	fmt.Fprintf(w, "%-15s %-21s %s\n", l.Prefix(), l.UDPAddr(), l.State().ToString())
	sent, received, dropped := l.Stats()
	fmt.Fprintf(w, "tx %d  rx %d  drop %d\n", sent, received, dropped)
}

func PrintNeighbors(w io.Writer, l *ipv4link.Link) {
	fmt.Fprintf(w, "%-15s%-21s\n", "VIP", "UDPAddr")
	neighbors := l.Neighbors()
	vips := lo.Keys(neighbors)
	slices.SortFunc(vips, func(a, b netip.Addr) int { return a.Compare(b) })
	for _, vip := range vips {
		fmt.Fprintf(w, "%-15s%-21s\n", vip, neighbors[vip])
	}
}

// PrintTCBs lists connections by handle. Listeners show a wildcard peer.
func PrintTCBs(w io.Writer, infos []tcp.Info) {
	fmt.Fprintf(w, "%-8s %-21s %-21s %-12s %4s %6s %6s  %s\n", "Handle", "Local", "Remote", "State", "Refs", "SndQ", "RcvQ", "Timers")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, info := range infos {
		remote := "*:*"
		if info.RemoteIP.IsValid() {
			remote = netip.AddrPortFrom(info.RemoteIP, info.RemotePort).String()
		}
		local := fmt.Sprintf("*:%d", info.LocalPort)
		if info.LocalIP.IsValid() {
			local = netip.AddrPortFrom(info.LocalIP, info.LocalPort).String()
		}
		timers := "-"
		if len(info.Timers) > 0 {
			timers = strings.Join(lo.Map(info.Timers, func(ev tcp.Event, _ int) string { return ev.String() }), ",")
		}
		fmt.Fprintf(w, "%-8s %-21s %-21s %-12s %4d %6d %6d  %s\n",
			info.Handle, local, remote, info.State, info.Refs, info.SendQueued, info.RecvQueued, timers)
	}
}

// PrintMailboxes skips free queues.
func PrintMailboxes(w io.Writer, infos []mailbox.Info) {
	used := lo.Filter(infos, func(info mailbox.Info, _ int) bool {
		return info.State != mailbox.FREE
	})
	fmt.Fprintf(w, "%-4s %-10s %5s %5s %7s\n", "ID", "State", "Count", "Cap", "Waiters")
	fmt.Fprintln(w, strings.Repeat("-", 35))
	for _, info := range used {
		fmt.Fprintf(w, "%-4d %-10s %5d %5d %7d\n", info.ID, info.State, info.Count, info.Capacity, info.Waiters)
	}
}
