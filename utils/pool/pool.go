// Package pool holds a minimal freelist used to recycle write-queue nodes.
// Unlike sync.Pool it never discards under GC pressure, and a bounded pool
// never retains more than its cap.
package pool

import "sync"

type SlicePool[T any] struct {
	mu      sync.Mutex
	s       []T
	bounded bool
}

func NewSlicePool[T any]() *SlicePool[T] {
	return new(SlicePool[T])
}

// NewSlicePoolSize returns a freelist that retains at most size items;
// releases beyond that are dropped for the collector.
func NewSlicePoolSize[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{s: make([]T, 0, size), bounded: true}
}

func (p *SlicePool[T]) Acquire() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.s)
	if l == 0 {
		return v, false
	}

	v = p.s[l-1]
	var zero T
	p.s[l-1] = zero
	p.s = p.s[:l-1]
	return v, true
}

func (p *SlicePool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bounded && len(p.s) == cap(p.s) {
		return
	}
	p.s = append(p.s, v)
}

func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}
