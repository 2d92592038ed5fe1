// Package frameheader provides a zero-copy view over the 9 octets that
// prefix every frame on the wire. Outbound frame producers fill headers in
// place right before the write, so fields known only at write time (the
// assigned stream id in particular) land in the correct frame.
package frameheader

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

const Size = 9

type FrameHeader []byte

func New() FrameHeader { return make([]byte, Size) }

// Fill writes all header fields at once.
func (f FrameHeader) Fill(length int, t http2.FrameType, flags http2.Flags, streamID uint32) {
	_ = f[8]
	f[0] = byte(length >> 16)
	f[1] = byte(length >> 8)
	f[2] = byte(length)
	f[3] = byte(t)
	f[4] = byte(flags)
	binary.BigEndian.PutUint32(f[5:], streamID)
}

func (f FrameHeader) Length() int {
	_ = f[2]
	return int(f[0])<<16 | int(f[1])<<8 | int(f[2])
}

func (f FrameHeader) SetLength(l int) {
	_ = f[2]
	f[0] = byte(l >> 16)
	f[1] = byte(l >> 8)
	f[2] = byte(l)
}

func (f FrameHeader) Type() http2.FrameType     { return http2.FrameType(f[3]) }
func (f FrameHeader) SetType(t http2.FrameType) { f[3] = byte(t) }

func (f FrameHeader) Flags() http2.Flags         { return http2.Flags(f[4]) }
func (f FrameHeader) SetFlags(flags http2.Flags) { f[4] = byte(flags) }

// AddFlags sets flags on top of the ones already present.
func (f FrameHeader) AddFlags(flags http2.Flags) { f[4] |= byte(flags) }

// ClearFlags drops the given flags, keeping the rest. Used when a data
// frame turns out to be a partial send and END_STREAM must not go out yet.
func (f FrameHeader) ClearFlags(flags http2.Flags) { f[4] &^= byte(flags) }

func (f FrameHeader) StreamID() uint32 { return binary.BigEndian.Uint32(f[5:]) & (1<<31 - 1) }
func (f FrameHeader) SetStreamID(streamID uint32) {
	binary.BigEndian.PutUint32(f[5:], streamID)
}

func (f FrameHeader) String() string {
	return f.Type().String() +
		" length=" + strconv.Itoa(f.Length()) +
		" streamID=" + strconv.FormatUint(uint64(f.StreamID()), 10) +
		" flags=" + fmt.Sprintf("%o", f.Flags())
}
