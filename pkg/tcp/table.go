package tcp

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"ktcp/pkg/metrics"
)

// BufferAllocator charges connection buffers against a shared budget.
type BufferAllocator interface {
	Reserve(n int) error
	Unreserve(n int)
}

// Table is the fixed array of TCB slots. mu guards slot search, allocation,
// reference counts and freeing; it is never held while blocking.
type Table struct {
	mu       sync.Mutex
	slots    []*TCB
	alloc    BufferAllocator
	portLow  uint16
	portHigh uint16
	nextPort uint16
	active   int
}

func NewTable(n int, alloc BufferAllocator, portLow, portHigh uint16) *Table {
	tab := &Table{
		slots:    make([]*TCB, n),
		alloc:    alloc,
		portLow:  portLow,
		portHigh: portHigh,
		nextPort: portLow,
	}
	for i := range tab.slots {
		tab.slots[i] = &TCB{index: i}
	}
	return tab
}

func (tab *Table) Len() int {
	return len(tab.slots)
}

// allocate claims the first free slot and runs init on it with the table
// lock and the slot mutex held, so the TCB is fully initialized before it
// becomes visible. init sets the initial reference count through newRef.
func (tab *Table) allocate(init func(t *TCB) error) (*TCB, error) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	for _, t := range tab.slots {
		if t.inUse {
			continue
		}
		// The last releaser may still be unwinding with the mutex held.
		if !t.mu.TryLock() {
			continue
		}
		t.reset()
		if err := init(t); err != nil {
			t.refs = 0
			t.mu.Unlock()
			metrics.TCBAllocationFailuresTotal.WithLabelValues(reason(err)).Inc()
			return nil, err
		}
		t.inUse = true
		tab.active++
		metrics.TCBActive.Set(float64(tab.active))
		metrics.TCBAllocationsTotal.WithLabelValues(t.state.String()).Inc()
		t.mu.Unlock()
		return t, nil
	}
	metrics.TCBAllocationFailuresTotal.WithLabelValues("no_free_slot").Inc()
	return nil, ErrNoFreeSlot
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfBuffers):
		return "out_of_buffers"
	case errors.Is(err, ErrDuplicateConnection):
		return "duplicate"
	default:
		return "other"
	}
}

// reserveBuffers charges the send and receive buffers for t.
func (tab *Table) reserveBuffers(t *TCB, sbsize, rbsize int) error {
	if err := tab.alloc.Reserve(sbsize + rbsize); err != nil {
		return errors.Wrapf(ErrOutOfBuffers, "tcb %d: %v", t.index, err)
	}
	t.sb = newSendBuffer(sbsize)
	t.rb = newRecvBuffer(rbsize)
	t.rbsize = rbsize
	return nil
}

// newRef takes a reference on a slot. Called with the table lock held.
func (tab *Table) newRef(t *TCB) *Ref {
	t.refs++
	return &Ref{tab: tab, t: t, h: t.handle(), released: atomic.NewBool(false)}
}

// Acquire takes a new reference on the TCB named by h.
func (tab *Table) Acquire(h Handle) (*Ref, error) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	if h.Index < 0 || h.Index >= len(tab.slots) {
		return nil, errors.Wrapf(ErrStaleHandle, "handle %s out of range", h)
	}
	t := tab.slots[h.Index]
	if !t.inUse || t.gen != h.Gen {
		return nil, errors.Wrapf(ErrStaleHandle, "handle %s", h)
	}
	return tab.newRef(t), nil
}

// release drops one reference. The slot returns to FREE when the count
// reaches zero; a count already at zero is left alone.
func (tab *Table) release(h Handle) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	t := tab.slots[h.Index]
	if !t.inUse || t.gen != h.Gen || t.refs <= 0 {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	if t.sb.size() > 0 || t.rbsize > 0 {
		tab.alloc.Unreserve(t.sb.size() + t.rbsize)
	}
	// No other reference exists, so nothing can observe t under t.mu.
	t.state = FREE
	t.sb = sendBuffer{}
	t.rb = nil
	t.rbsize = 0
	t.inUse = false
	t.gen++
	tab.active--
	metrics.TCBActive.Set(float64(tab.active))
}

func (tab *Table) tupleInUse(lip netip.Addr, lport uint16, rip netip.Addr, rport uint16) bool {
	return lo.ContainsBy(tab.slots, func(t *TCB) bool {
		return t.inUse && !t.passive &&
			t.localPort == lport && t.remotePort == rport &&
			t.localIP == lip && t.remoteIP == rip
	})
}

func (tab *Table) listening(lport uint16) bool {
	return lo.ContainsBy(tab.slots, func(t *TCB) bool {
		return t.inUse && t.passive && t.localPort == lport
	})
}

// ephemeralPort returns the next port in range that does not recreate a
// live 4-tuple. Called with the table lock held.
func (tab *Table) ephemeralPort(lip, rip netip.Addr, rport uint16) (uint16, error) {
	span := int(tab.portHigh) - int(tab.portLow) + 1
	for i := 0; i < span; i++ {
		p := tab.nextPort
		if tab.nextPort >= tab.portHigh {
			tab.nextPort = tab.portLow
		} else {
			tab.nextPort++
		}
		if !tab.tupleInUse(lip, p, rip, rport) {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrDuplicateConnection, "no ephemeral port to %s:%d", rip, rport)
}

// demux finds the TCB for an inbound segment: an exact 4-tuple match first,
// then a listener on the destination port.
func (tab *Table) demux(src netip.Addr, sport uint16, dst netip.Addr, dport uint16) (*Ref, error) {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	t, ok := lo.Find(tab.slots, func(t *TCB) bool {
		return t.inUse && !t.passive &&
			t.localPort == dport && t.remotePort == sport &&
			t.localIP == dst && t.remoteIP == src
	})
	if !ok {
		t, ok = lo.Find(tab.slots, func(t *TCB) bool {
			return t.inUse && t.passive && t.localPort == dport &&
				(!t.localIP.IsValid() || t.localIP == dst)
		})
	}
	if !ok {
		return nil, ErrNoConnection
	}
	return tab.newRef(t), nil
}

// Snapshot reports every slot not in FREE.
func (tab *Table) Snapshot() []Info {
	tab.mu.Lock()
	live := lo.Filter(tab.slots, func(t *TCB, _ int) bool { return t.inUse })
	refs := lo.Map(live, func(t *TCB, _ int) *Ref { return tab.newRef(t) })
	counts := lo.Map(live, func(t *TCB, _ int) int { return t.refs - 1 })
	tab.mu.Unlock()

	infos := make([]Info, 0, len(refs))
	for i, ref := range refs {
		t := ref.t
		t.mu.Lock()
		info := Info{
			Handle:     ref.h,
			State:      t.state,
			LocalIP:    t.localIP,
			LocalPort:  t.localPort,
			RemoteIP:   t.remoteIP,
			RemotePort: t.remotePort,
			Refs:       counts[i],
			SendQueued: t.sb.count,
			Readers:    t.readers,
			Backlog:    t.listener.backlog,
		}
		if t.rb != nil {
			info.RecvQueued = t.rb.Length()
		}
		t.mu.Unlock()
		ref.Release()
		infos = append(infos, info)
	}
	return infos
}
