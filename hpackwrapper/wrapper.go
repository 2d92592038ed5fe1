// Package hpackwrapper binds an hpack encoder to a swappable destination
// writer. The headers frame producer points it at its scratch buffer right
// before serialization, so one encoder (and its dynamic table) serves the
// whole session.
package hpackwrapper

import (
	"io"

	"golang.org/x/net/http2/hpack"
)

type Wrapper struct {
	io.Writer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	w := &Wrapper{}
	w.enc = hpack.NewEncoder(w)
	for _, o := range opts {
		o.apply(w)
	}
	return w
}

func (w *Wrapper) SetWriter(dst io.Writer) { w.Writer = dst }

// SetMaxDynamicTableSize applies a peer-advertised header-table size.
func (w *Wrapper) SetMaxDynamicTableSize(size uint32) {
	w.enc.SetMaxDynamicTableSize(size)
}

func (w *Wrapper) WriteField(k, v string) {
	//nolint:errcheck // the destination is always an in-memory buffer
	w.enc.WriteField(hpack.HeaderField{Name: k, Value: v})
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}
