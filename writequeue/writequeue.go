// Package writequeue holds pending outbound frames until the session's write
// pump is ready for them. Entries are deferred frame producers rather than
// serialized bytes: serialization happens at dequeue time, so values assigned
// late (stream ids, dependency parents) are correct on the wire.
//
// Ordering contract: the control band drains before any stream band, stream
// bands drain in descending priority, and entries within one band drain FIFO.
// The control band is capped; a peer that stops reading while we keep
// generating acks and credit grants must not grow the queue without bound.
package writequeue

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/net/http2"

	"github.com/ozontech/h2mux/consts"
	"github.com/ozontech/h2mux/priority"
	"github.com/ozontech/h2mux/utils/pool"
)

var (
	// ErrControlQueueFull reports the queued-control-frame cap being hit.
	// The session treats it as fatal and drains.
	ErrControlQueueFull = errors.New("writequeue: too many queued control frames")

	// ErrClosed reports an enqueue after the queue shut down.
	ErrClosed = errors.New("writequeue: closed")
)

// Producer serializes one frame immediately before the write. An empty
// buffer set with a nil error means the frame has nothing to send right now
// (a data frame stalled on flow control); the entry is simply consumed.
// done, when non-nil, is invoked by the write pump after the bytes reach
// the transport.
type Producer interface {
	Produce() (bufs net.Buffers, done func(), err error)
}

// Entry is one pending write.
type Entry struct {
	Producer Producer
	Kind     http2.FrameType
	Level    priority.Level
	Control  bool   // control-band entry, ahead of every stream band
	StreamID uint32 // owning stream, 0 for connection-scope frames
	Tag      string // diagnostic label for logs
}

type node struct {
	e    Entry
	next *node
}

type fifo struct {
	head, tail *node
}

func (f *fifo) push(n *node) {
	n.next = nil
	if f.tail == nil {
		f.head, f.tail = n, n
		return
	}
	f.tail.next = n
	f.tail = n
}

func (f *fifo) pop() *node {
	n := f.head
	if n == nil {
		return nil
	}
	f.head = n.next
	if f.head == nil {
		f.tail = nil
	}
	return n
}

type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	control    fifo
	bands      [priority.NumLevels]fifo
	controlLen int
	maxControl int
	size       int
	closed     bool

	nodes *pool.SlicePool[*node]
}

func New(maxQueuedControl int) *Queue {
	q := &Queue{
		maxControl: maxQueuedControl,
		nodes:      pool.NewSlicePoolSize[*node](consts.WriteBufferChunks),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if e.Control && q.controlLen >= q.maxControl {
		return ErrControlQueueFull
	}

	n, ok := q.nodes.Acquire()
	if !ok {
		n = new(node)
	}
	n.e = e

	if e.Control {
		q.control.push(n)
		q.controlLen++
	} else {
		l := e.Level
		if !l.Valid() {
			l = priority.Lowest
		}
		q.bands[l].push(n)
	}
	q.size++
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an entry is available or the queue is closed.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if n := q.popLocked(); n != nil {
			e := n.e
			n.e = Entry{}
			q.nodes.Release(n)
			return e, true
		}
		if q.closed {
			return Entry{}, false
		}
		q.cond.Wait()
	}
}

// TryDequeue is Dequeue without blocking.
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.popLocked()
	if n == nil {
		return Entry{}, false
	}
	e := n.e
	n.e = Entry{}
	q.nodes.Release(n)
	return e, true
}

func (q *Queue) popLocked() *node {
	if n := q.control.pop(); n != nil {
		q.controlLen--
		q.size--
		return n
	}
	for band := priority.NumLevels - 1; band >= 0; band-- {
		if n := q.bands[band].pop(); n != nil {
			q.size--
			return n
		}
	}
	return nil
}

// DiscardStreamsAbove drops stream-owned entries whose id is beyond the
// peer's last-accepted boundary and reports how many were dropped.
// Connection-scope entries and already-accepted streams stay queued.
func (q *Queue) DiscardStreamsAbove(lastStreamID uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for band := range q.bands {
		f := &q.bands[band]
		var kept fifo
		for n := f.pop(); n != nil; n = f.pop() {
			if n.e.StreamID > lastStreamID {
				dropped++
				q.size--
				n.e = Entry{}
				q.nodes.Release(n)
				continue
			}
			kept.push(n)
		}
		*f = kept
	}
	return dropped
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close wakes every blocked Dequeue. Entries already queued are still
// handed out before Dequeue reports closed, so a best-effort shutdown
// notice can be flushed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
