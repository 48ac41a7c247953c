// Package pipeitem is the outbound pipe a channel-client drains: an ordered
// FIFO of opaque items a concrete channel implementation pushes and a
// channel-client's send loop pops one at a time.
package pipeitem

import (
	"sync"

	"github.com/eapache/queue"
)

// Item is one entry on a channel-client's outbound pipe. Type is an opaque
// discriminator the concrete channel implementation assigns meaning to; Seq
// comes from a per-channel-client SequenceGenerator; Payload is whatever the
// channel implementation needs to eventually marshal onto the wire.
type Item struct {
	Type    int
	Seq     int64
	Payload any
}

// SequenceGenerator hands out monotonically increasing sequence numbers for
// one channel-client's pipe items, starting at 1.
type SequenceGenerator struct {
	counter int64
	mu      sync.Mutex
}

// Next returns the next sequence number.
func (s *SequenceGenerator) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter
}

// Pipe is a FIFO of Items backed by eapache/queue's ring buffer, avoiding the
// repeated reallocation a slice-based queue would incur under steady churn.
type Pipe struct {
	mu sync.Mutex
	q  *queue.Queue
}

// New returns an empty Pipe.
func New() *Pipe {
	return &Pipe{q: queue.New()}
}

// Push appends item to the tail of the pipe.
func (p *Pipe) Push(item Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.q.Add(item)
}

// PushEmpty appends an item carrying only a type tag and no payload,
// realizing pipes_add_empty_msg.
func (p *Pipe) PushEmpty(typ int, seq int64) {
	p.Push(Item{Type: typ, Seq: seq})
}

// Pop removes and returns the item at the head of the pipe. ok is false if
// the pipe was empty.
func (p *Pipe) Pop() (item Item, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return Item{}, false
	}
	v := p.q.Peek()
	p.q.Remove()
	return v.(Item), true
}

// Len reports the number of items currently queued.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

// Empty reports whether the pipe currently holds no items.
func (p *Pipe) Empty() bool {
	return p.Len() == 0
}

// Clear drops every queued item, matching a channel-client disconnect.
func (p *Pipe) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.q = queue.New()
}
