// Package ledger correlates correlated requests sent over the platform
// session with the frames that answer them.
//
// The platform protocol carries no request id, so correlation is positional:
// the oldest outstanding entry takes the next inbound frame.
package ledger

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionLost rejects entries still waiting when the session closes.
var ErrConnectionLost = errors.New("websocket connection lost")

// Result is what a Pending entry resolves to.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Pending is one outstanding request.
type Pending struct {
	ID        string
	CreatedAt time.Time

	done chan Result
	elem *list.Element
}

// Wait blocks until the entry is resolved or ctx ends. A context that ends
// first leaves the entry queued so it still absorbs its own reply.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ledger is a FIFO of Pending entries safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	queue   *list.List
	now     func() time.Time
	onDepth func(int)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDepthObserver is called with the queue length after every change,
// under the ledger lock. fn must not call back into the ledger.
func WithDepthObserver(fn func(int)) Option {
	return func(l *Ledger) { l.onDepth = fn }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		queue: list.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue appends a new entry and returns its handle.
func (l *Ledger) Enqueue() *Pending {
	p := &Pending{
		ID:        uuid.NewString(),
		CreatedAt: l.now(),
		done:      make(chan Result, 1),
	}

	l.mu.Lock()
	p.elem = l.queue.PushBack(p)
	l.observe()
	l.mu.Unlock()

	return p
}

// Dispatch resolves the oldest entry with payload. It reports false, and the
// frame is dropped, when nothing is waiting.
func (l *Ledger) Dispatch(payload []byte) bool {
	l.mu.Lock()
	front := l.queue.Front()
	if front == nil {
		l.mu.Unlock()
		return false
	}
	p := l.queue.Remove(front).(*Pending)
	p.elem = nil
	l.observe()
	l.mu.Unlock()

	frame := make(json.RawMessage, len(payload))
	copy(frame, payload)
	p.done <- Result{Payload: frame}
	return true
}

// Drain rejects every outstanding entry with reason and returns how many
// there were.
func (l *Ledger) Drain(reason error) int {
	if reason == nil {
		reason = ErrConnectionLost
	}

	l.mu.Lock()
	drained := make([]*Pending, 0, l.queue.Len())
	for e := l.queue.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Pending)
		p.elem = nil
		drained = append(drained, p)
	}
	l.queue.Init()
	l.observe()
	l.mu.Unlock()

	for _, p := range drained {
		p.done <- Result{Err: reason}
	}
	return len(drained)
}

// Remove withdraws p if it is still queued. Only use it for entries whose
// request never reached the wire.
func (l *Ledger) Remove(p *Pending) bool {
	l.mu.Lock()
	if p.elem == nil {
		l.mu.Unlock()
		return false
	}
	l.queue.Remove(p.elem)
	p.elem = nil
	l.observe()
	l.mu.Unlock()

	return true
}

// Len returns the number of outstanding entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Oldest returns the creation time of the oldest entry.
func (l *Ledger) Oldest() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.queue.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*Pending).CreatedAt, true
}

// observe must be called with mu held.
func (l *Ledger) observe() {
	if l.onDepth != nil {
		l.onDepth(l.queue.Len())
	}
}
