// Package flowcontrol implements the signed send/receive window arithmetic
// shared by connection scope (stream id 0) and every stream. Send windows
// never go negative from local sends: the write path takes at most what is
// available. They may go negative when the peer lowers the initial window
// size via settings, which is legal and self-corrects as credit arrives.
package flowcontrol

import (
	"errors"
	"sync"

	"github.com/ozontech/h2mux/consts"
)

var (
	// ErrWindowOverflow reports a credit grant that would push the window
	// past 2^31-1. The protocol treats it as a flow-control error.
	ErrWindowOverflow = errors.New("flow control: window increase overflows")

	// ErrWindowViolation reports the peer sending more payload bytes than
	// the advertised receive window allows.
	ErrWindowViolation = errors.New("flow control: peer exceeded receive window")

	// ErrZeroIncrement reports a credit grant with a zero delta.
	ErrZeroIncrement = errors.New("flow control: zero window increment")
)

// SendWindow is a signed send-side window.
type SendWindow struct {
	mu sync.Mutex
	n  int64
}

func NewSendWindow(initial int32) *SendWindow {
	return &SendWindow{n: int64(initial)}
}

func (w *SendWindow) Available() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n < 0 {
		return int32(w.n)
	}
	return int32(min(w.n, consts.MaxWindowSize))
}

// Increase applies a peer credit grant.
func (w *SendWindow) Increase(delta uint32) error {
	if delta == 0 {
		return ErrZeroIncrement
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n+int64(delta) > consts.MaxWindowSize {
		return ErrWindowOverflow
	}
	w.n += int64(delta)
	return nil
}

// Adjust applies a settings-driven initial-window-size delta. A negative
// delta may legally drive the window below zero.
func (w *SendWindow) Adjust(delta int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n+int64(delta) > consts.MaxWindowSize {
		return ErrWindowOverflow
	}
	w.n += int64(delta)
	return nil
}

// Take reserves up to max bytes and returns how many were actually taken.
// A depleted or negative window yields zero; the caller is expected to
// register itself as stalled and retry on the next credit grant.
func (w *SendWindow) Take(max int) int {
	if max <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n <= 0 {
		return 0
	}
	n := min(int64(max), w.n)
	w.n -= n
	return int(n)
}

// Refund returns bytes taken but never written, e.g. when the owning frame
// producer lost a race with a stream reset.
func (w *SendWindow) Refund(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n += int64(n)
}

// RecvWindow tracks the receive side: payload arriving from the peer spends
// the window, application-consumed bytes accumulate into a pending credit
// grant that is advertised back once it crosses half the configured maximum
// (or when a bounded-time flush fires, so slow-draining peers still get
// credit).
type RecvWindow struct {
	mu      sync.Mutex
	avail   int64 // what the peer may still send
	pending int64 // consumed bytes not yet advertised back
	max     int64
}

func NewRecvWindow(max int32) *RecvWindow {
	return &RecvWindow{avail: int64(max), max: int64(max)}
}

func (w *RecvWindow) Available() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int32(w.avail)
}

// OnReceive accounts n payload bytes arriving from the peer.
func (w *RecvWindow) OnReceive(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if int64(n) > w.avail {
		return ErrWindowViolation
	}
	w.avail -= int64(n)
	return nil
}

// Consume accounts n bytes handed off to the application and returns the
// credit to advertise now, or zero while below the half-window threshold.
func (w *RecvWindow) Consume(n int) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending += int64(n)
	if w.pending <= w.max/2 {
		return 0
	}
	return w.grantLocked()
}

// Flush advertises whatever credit is pending regardless of the threshold.
func (w *RecvWindow) Flush() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.grantLocked()
}

func (w *RecvWindow) grantLocked() uint32 {
	grant := w.pending
	if grant == 0 {
		return 0
	}
	w.pending = 0
	w.avail += grant
	return uint32(grant)
}
