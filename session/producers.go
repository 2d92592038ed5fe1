package session

import (
	"encoding/binary"
	"net"

	"golang.org/x/net/http2"

	"github.com/ozontech/h2mux/frameheader"
	"github.com/ozontech/h2mux/priority"
)

// Settings the peer may negotiate beyond the ones x/net names.
const (
	settingEnableConnectProtocol http2.SettingID = 0x8
	settingNoRFC7540Priorities   http2.SettingID = 0x9
)

// rawFrame is a pre-serialized pending write: everything about it was known
// at enqueue time.
type rawFrame struct {
	bufs net.Buffers
	done func()
}

func (p *rawFrame) Produce() (net.Buffers, func(), error) { return p.bufs, p.done, nil }

// headersProducer defers request-headers serialization to write time, which
// is when the stream id and the priority dependency get assigned.
type headersProducer struct{ s *Stream }

func (p headersProducer) Produce() (net.Buffers, func(), error) {
	return p.s.sess.buildHeadersFrame(p.s)
}

// dataProducer defers body chunking to write time, when the actually
// sendable length is min(pending, max frame, stream window, conn window).
type dataProducer struct{ s *Stream }

func (p dataProducer) Produce() (net.Buffers, func(), error) {
	return p.s.sess.buildDataFrame(p.s)
}

func settingsFrame(settings []http2.Setting) []byte {
	b := make([]byte, frameheader.Size, frameheader.Size+6*len(settings))
	frameheader.FrameHeader(b).Fill(6*len(settings), http2.FrameSettings, 0, 0)
	for _, s := range settings {
		b = binary.BigEndian.AppendUint16(b, uint16(s.ID))
		b = binary.BigEndian.AppendUint32(b, s.Val)
	}
	return b
}

func settingsAckFrame() []byte {
	b := make([]byte, frameheader.Size)
	frameheader.FrameHeader(b).Fill(0, http2.FrameSettings, http2.FlagSettingsAck, 0)
	return b
}

func pingFrame(ack bool, payload [8]byte) []byte {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	b := make([]byte, frameheader.Size+8)
	frameheader.FrameHeader(b).Fill(8, http2.FramePing, flags, 0)
	copy(b[frameheader.Size:], payload[:])
	return b
}

func windowUpdateFrame(streamID, delta uint32) []byte {
	b := make([]byte, frameheader.Size+4)
	frameheader.FrameHeader(b).Fill(4, http2.FrameWindowUpdate, 0, streamID)
	binary.BigEndian.PutUint32(b[frameheader.Size:], delta)
	return b
}

func rstStreamFrame(streamID uint32, code http2.ErrCode) []byte {
	b := make([]byte, frameheader.Size+4)
	frameheader.FrameHeader(b).Fill(4, http2.FrameRSTStream, 0, streamID)
	binary.BigEndian.PutUint32(b[frameheader.Size:], uint32(code))
	return b
}

func goAwayFrame(lastStreamID uint32, code http2.ErrCode, debug []byte) []byte {
	b := make([]byte, frameheader.Size+8, frameheader.Size+8+len(debug))
	frameheader.FrameHeader(b).Fill(8+len(debug), http2.FrameGoAway, 0, 0)
	binary.BigEndian.PutUint32(b[frameheader.Size:], lastStreamID)
	binary.BigEndian.PutUint32(b[frameheader.Size+4:], uint32(code))
	return append(b, debug...)
}

func priorityFrame(u priority.Update) []byte {
	b := make([]byte, frameheader.Size+5)
	frameheader.FrameHeader(b).Fill(5, http2.FramePriority, 0, u.StreamID)
	dep := u.ParentID
	if u.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(b[frameheader.Size:], dep)
	b[frameheader.Size+4] = u.Weight
	return b
}

// priorityPayload is the 5-byte dependency block carried inside a HEADERS
// frame with the PRIORITY flag set.
func priorityPayload(u priority.Update) []byte {
	b := make([]byte, 5)
	dep := u.ParentID
	if u.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(b, dep)
	b[4] = u.Weight
	return b
}
