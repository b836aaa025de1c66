package tcp

import "go.uber.org/atomic"

// Ref is one counted reference to a TCB. Each Ref releases its count at
// most once; Clone produces an independent Ref.
type Ref struct {
	tab      *Table
	t        *TCB
	h        Handle
	released *atomic.Bool
}

func (r *Ref) Handle() Handle {
	return r.h
}

func (r *Ref) Clone() (*Ref, error) {
	return r.tab.Acquire(r.h)
}

func (r *Ref) Release() {
	if r == nil || r.released.Swap(true) {
		return
	}
	r.tab.release(r.h)
}

func (r *Ref) Released() bool {
	return r.released.Load()
}
