// Package mailbox implements a fixed table of bounded blocking message queues.
//
// Each queue carries small integer messages in FIFO order and is backed by a
// counting semaphore whose count equals the number of unread messages.
// Disabling a queue bumps its cookie and flushes the semaphore so blocked
// receivers wake and observe the invalidation instead of a message.
package mailbox

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"ktcp/pkg/ksync"
)

var (
	ErrTableFull        = errors.New("mailbox table full")
	ErrQueueFull        = errors.New("mailbox full")
	ErrNotAllocated     = errors.New("mailbox not allocated")
	ErrQueueInvalidated = errors.New("mailbox invalidated")
	ErrWouldBlock       = errors.New("mailbox empty")
)

type State int

const (
	FREE State = iota
	ALLOCATED
	DISABLED
	CLEARING
)

func (s State) String() string {
	switch s {
	case FREE:
		return "FREE"
	case ALLOCATED:
		return "ALLOCATED"
	case DISABLED:
		return "DISABLED"
	case CLEARING:
		return "CLEARING"
	default:
		return "UNKNOWN"
	}
}

type ID int

type Message int64

type queue struct {
	state  State
	msgs   []Message
	first  int
	count  int
	sem    *ksync.Semaphore
	cookie uint32
}

func (q *queue) push(m Message) {
	q.msgs[(q.first+q.count)%len(q.msgs)] = m
	q.count++
}

func (q *queue) pop() Message {
	m := q.msgs[q.first]
	q.first = (q.first + 1) % len(q.msgs)
	q.count--
	return m
}

// Table is the set of mailbox descriptors. A single mutex covers every
// descriptor so Send is safe from any goroutine.
type Table struct {
	mu     sync.Mutex
	queues []queue
}

func NewTable(n int) *Table {
	t := &Table{queues: make([]queue, n)}
	for i := range t.queues {
		t.queues[i].sem = ksync.NewSemaphore(0)
	}
	return t
}

func (t *Table) get(id ID) (*queue, error) {
	if id < 0 || int(id) >= len(t.queues) {
		return nil, errors.Wrapf(ErrNotAllocated, "mailbox %d out of range", id)
	}
	return &t.queues[id], nil
}

// Create allocates the first free descriptor with room for capacity
// messages.
func (t *Table) Create(capacity int) (ID, error) {
	if capacity <= 0 {
		return -1, fmt.Errorf("invalid mailbox capacity %d", capacity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.queues {
		q := &t.queues[i]
		if q.state != FREE {
			continue
		}
		q.state = ALLOCATED
		q.msgs = make([]Message, capacity)
		q.first = 0
		q.count = 0
		q.sem.Reset()
		return ID(i), nil
	}
	return -1, ErrTableFull
}

// Delete returns an allocated or disabled descriptor to FREE. Blocked
// receivers wake with ErrQueueInvalidated.
func (t *Table) Delete(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return err
	}
	switch q.state {
	case ALLOCATED, DISABLED:
	default:
		return errors.Wrapf(ErrNotAllocated, "delete mailbox %d in state %s", id, q.state)
	}
	q.cookie++
	q.sem.Reset()
	q.state = FREE
	q.msgs = nil
	q.count = 0
	q.first = 0
	return nil
}

func (t *Table) Send(id ID, m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return err
	}
	if q.state != ALLOCATED {
		return errors.Wrapf(ErrNotAllocated, "send to mailbox %d", id)
	}
	if q.count >= len(q.msgs) {
		return ErrQueueFull
	}
	q.push(m)
	q.sem.Signal()
	return nil
}

// Receive blocks until a message is available. If the queue is disabled or
// deleted while waiting, it returns ErrQueueInvalidated.
func (t *Table) Receive(id ID) (Message, error) {
	t.mu.Lock()
	q, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if q.state != ALLOCATED {
		t.mu.Unlock()
		return 0, errors.Wrapf(ErrNotAllocated, "receive from mailbox %d", id)
	}
	cookie := q.cookie
	epoch := q.sem.Epoch()
	t.mu.Unlock()

	ok := q.sem.WaitEpoch(epoch)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok || q.cookie != cookie || q.count == 0 {
		return 0, ErrQueueInvalidated
	}
	return q.pop(), nil
}

// Poll takes the next message without blocking.
func (t *Table) Poll(id ID) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return 0, err
	}
	if q.state != ALLOCATED {
		return 0, errors.Wrapf(ErrNotAllocated, "poll mailbox %d", id)
	}
	if q.count == 0 || !q.sem.TryWait() {
		return 0, ErrWouldBlock
	}
	return q.pop(), nil
}

// Disable stops the queue from accepting or delivering messages and wakes
// every blocked receiver. Queued messages stay until Clear.
func (t *Table) Disable(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return err
	}
	if q.state != ALLOCATED {
		return errors.Wrapf(ErrNotAllocated, "disable mailbox %d", id)
	}
	q.state = DISABLED
	q.cookie++
	q.sem.Reset()
	return nil
}

// Enable re-opens a disabled queue. The semaphore is recharged with the
// messages still queued.
func (t *Table) Enable(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return err
	}
	if q.state != DISABLED {
		return errors.Wrapf(ErrNotAllocated, "enable mailbox %d", id)
	}
	q.state = ALLOCATED
	for i := 0; i < q.count; i++ {
		q.sem.Signal()
	}
	return nil
}

// Clear drains a disabled queue, handing every message to dispose. The table
// lock is not held while dispose runs.
func (t *Table) Clear(id ID, dispose func(Message)) error {
	t.mu.Lock()
	q, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if q.state != DISABLED {
		t.mu.Unlock()
		return errors.Wrapf(ErrNotAllocated, "clear mailbox %d in state %s", id, q.state)
	}
	q.state = CLEARING
	pending := make([]Message, 0, q.count)
	for q.count > 0 {
		pending = append(pending, q.pop())
	}
	t.mu.Unlock()

	if dispose != nil {
		for _, m := range pending {
			dispose(m)
		}
	}

	t.mu.Lock()
	q.state = DISABLED
	t.mu.Unlock()
	return nil
}

func (t *Table) Count(id ID) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.get(id)
	if err != nil {
		return 0, err
	}
	if q.state == FREE {
		return 0, errors.Wrapf(ErrNotAllocated, "count mailbox %d", id)
	}
	return q.count, nil
}

type Info struct {
	ID       ID
	State    State
	Count    int
	Capacity int
	Waiters  int
	Cookie   uint32
}

func (t *Table) Info() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]Info, 0, len(t.queues))
	for i := range t.queues {
		q := &t.queues[i]
		infos = append(infos, Info{
			ID:       ID(i),
			State:    q.state,
			Count:    q.count,
			Capacity: len(q.msgs),
			Waiters:  q.sem.Waiters(),
			Cookie:   q.cookie,
		})
	}
	return infos
}
