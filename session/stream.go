package session

import (
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/h2mux/flowcontrol"
	"github.com/ozontech/h2mux/priority"
)

// StreamKind tells what kind of exchange a stream carries.
type StreamKind uint8

const (
	StreamKindBidirectional StreamKind = iota
	StreamKindRequestResponse
	StreamKindPush // rejected on sight
)

// StreamState is the per-stream lifecycle.
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedRemote:
		return "reserved-remote"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// StreamDelegate receives per-stream events. Callbacks fire synchronously at
// the point each event resolves, outside of session locks; a delegate may
// cancel or close its stream from within any of them. Data passed to
// OnDataReceived is only valid for the duration of the call. OnClosed fires
// exactly once.
type StreamDelegate interface {
	OnHeadersSent(s *Stream)
	OnHeadersReceived(s *Stream, status int, headers []hpack.HeaderField)
	OnDataSent(s *Stream, n int)
	OnDataReceived(s *Stream, data []byte)
	OnTrailersReceived(s *Stream, trailers []hpack.HeaderField)
	OnClosed(s *Stream, err error)
}

// NoopDelegate is a StreamDelegate that ignores everything. It backs
// delegate-less streams and is handy to embed in partial delegates.
type NoopDelegate struct{}

func (NoopDelegate) OnHeadersSent(*Stream)                               {}
func (NoopDelegate) OnHeadersReceived(*Stream, int, []hpack.HeaderField) {}
func (NoopDelegate) OnDataSent(*Stream, int)                             {}
func (NoopDelegate) OnDataReceived(*Stream, []byte)                      {}
func (NoopDelegate) OnTrailersReceived(*Stream, []hpack.HeaderField)     {}
func (NoopDelegate) OnClosed(*Stream, error)                             {}

type stallKind uint8

const (
	stallNone stallKind = iota
	stallStreamWindow
	stallConnWindow
)

// Stream is one logical exchange multiplexed over the session. Created via
// StreamRequest, owned by the caller until its headers frame is written,
// owned by the session afterwards. All state below sess.mu unless the field
// carries its own lock.
type Stream struct {
	sess     *Session
	delegate StreamDelegate
	kind     StreamKind
	level    priority.Level

	id    uint32 // 0 until activated
	state StreamState

	sendWindow *flowcontrol.SendWindow
	recvWindow *flowcontrol.RecvWindow

	// outbound
	requestHeaders  []hpack.HeaderField
	headersSet      bool
	endAfterHeaders bool
	pending         []byte // buffered body behind the send cursor
	endAfterData    bool
	dataQueued      bool
	stalledOn       stallKind

	// inbound
	headerBlocks  int // final (non-informational) header blocks seen
	trailersSeen  bool
	remoteEnded   bool
	closeNotified bool
	closeErr      error
}

func (s *Stream) ID() uint32 {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.id
}

func (s *Stream) Kind() StreamKind { return s.kind }

func (s *Stream) Priority() priority.Level {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.level
}

func (s *Stream) State() StreamState {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.state
}

// SendRequestHeaders schedules the request headers frame. Always async:
// completion arrives via the delegate's OnHeadersSent once the frame is
// actually written, which is also the moment the stream id is assigned.
func (s *Stream) SendRequestHeaders(headers []hpack.HeaderField, endStream bool) error {
	if err := validateRequestHeaders(headers); err != nil {
		return err
	}

	s.sess.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.sess.mu.Unlock()
		return ErrStreamClosed
	case s.state != StateIdle || s.headersSet:
		s.sess.mu.Unlock()
		return ErrHeadersAlreadySent
	}
	s.headersSet = true
	s.requestHeaders = headers
	s.endAfterHeaders = endStream
	s.endAfterData = endStream
	level := s.level
	s.sess.mu.Unlock()

	return s.sess.enqueueHeaders(s, level)
}

// SendData buffers body bytes behind the send cursor and schedules data
// frame writes chunked to the frame and window limits. Completion is
// signaled per chunk through OnDataSent, not per call.
func (s *Stream) SendData(p []byte, endStream bool) error {
	s.sess.mu.Lock()
	if s.endAfterData {
		// the caller already ended the stream, flushed or not
		s.sess.mu.Unlock()
		return ErrStreamClosed
	}
	if s.state != StateOpen && s.state != StateHalfClosedRemote {
		// data before headers are written is legal as long as headers are
		// scheduled: it rides behind them once the stream opens
		if !(s.state == StateIdle && s.headersSet && !s.endAfterHeaders) {
			s.sess.mu.Unlock()
			return streamErrorf(s.id, errCodeProtocol, "send data in state %s", s.state)
		}
	}
	s.pending = append(s.pending, p...)
	if endStream {
		s.endAfterData = true
	}
	schedule := s.state == StateOpen || s.state == StateHalfClosedRemote
	s.sess.mu.Unlock()

	if schedule {
		s.sess.enqueueData(s)
	}
	return nil
}

// Consume reports n received bytes as processed by the application,
// returning receive-window credit at both scopes.
func (s *Stream) Consume(n int) {
	if n <= 0 {
		return
	}
	s.sess.mu.Lock()
	id := s.id
	closed := s.state == StateClosed
	s.sess.mu.Unlock()

	s.sess.creditConnWindow(n)
	if closed || id == 0 {
		return
	}
	if grant := s.recvWindow.Consume(n); grant > 0 {
		s.sess.enqueueWindowUpdate(id, grant)
	}
}

// Cancel aborts the stream. If it is already on the wire an abort signal is
// sent; a not-yet-activated stream is simply dropped. Idempotent.
func (s *Stream) Cancel() {
	s.sess.mu.Lock()
	if s.state == StateClosed {
		s.sess.mu.Unlock()
		return
	}
	id := s.id
	s.sess.mu.Unlock()

	if id == 0 {
		s.sess.CloseCreatedStream(s)
		return
	}
	s.sess.ResetStream(s, errCodeCancel, ErrStreamClosed)
}

// Close tears down local bookkeeping without signaling the peer. Idempotent.
func (s *Stream) Close() {
	s.sess.mu.Lock()
	if s.state == StateClosed {
		s.sess.mu.Unlock()
		return
	}
	id := s.id
	s.sess.mu.Unlock()

	if id == 0 {
		s.sess.CloseCreatedStream(s)
		return
	}
	s.sess.CloseActiveStream(s, nil)
}

// validateRequestHeaders enforces the rules the peer would reset us for:
// lowercase field names and no hop-by-hop transfer codings.
func validateRequestHeaders(headers []hpack.HeaderField) error {
	for _, f := range headers {
		if f.Name == "" {
			return streamErrorf(0, errCodeProtocol, "empty header field name")
		}
		if strings.ToLower(f.Name) != f.Name {
			return streamErrorf(0, errCodeProtocol, "header field %q is not lowercase", f.Name)
		}
		if f.Name == "transfer-encoding" || f.Name == "connection" {
			return streamErrorf(0, errCodeProtocol, "connection-specific header field %q", f.Name)
		}
	}
	return nil
}

// onHeadersReceived applies one inbound header block. Returns the delegate
// notification to run outside the session lock, or an error that resets the
// stream. Caller holds sess.mu.
func (s *Stream) onHeadersReceived(fields []hpack.HeaderField, endStream bool) (notify func(), err error) {
	if s.state == StateClosed {
		return nil, nil
	}
	if s.kind == StreamKindPush || s.state == StateReservedRemote {
		return nil, streamErrorf(s.id, errCodeRefusedStream, "headers on a pushed stream")
	}

	for _, f := range fields {
		if !f.IsPseudo() && strings.ToLower(f.Name) != f.Name {
			return nil, streamErrorf(s.id, errCodeProtocol, "upper-case header field %q", f.Name)
		}
		if f.Name == "transfer-encoding" {
			return nil, streamErrorf(s.id, errCodeProtocol, "response carries transfer-encoding")
		}
	}

	if s.headerBlocks >= 1 {
		// only one trailer block is legal, and only with end-of-stream
		if s.trailersSeen {
			return nil, streamErrorf(s.id, errCodeProtocol, "header block after trailers")
		}
		if !endStream {
			return nil, streamErrorf(s.id, errCodeProtocol, "trailers without end of stream")
		}
		for _, f := range fields {
			if f.IsPseudo() {
				return nil, streamErrorf(s.id, errCodeProtocol, "pseudo header %q in trailers", f.Name)
			}
		}
		s.trailersSeen = true
		trailers := cloneFields(fields)
		return func() { s.delegate.OnTrailersReceived(s, trailers) }, nil
	}

	status, err := responseStatus(fields)
	if err != nil {
		return nil, err
	}
	if status >= 100 && status < 200 {
		// informational response: swallowed, not delivered, not counted
		return nil, nil
	}

	s.headerBlocks++
	headers := cloneFields(fields)
	return func() { s.delegate.OnHeadersReceived(s, status, headers) }, nil
}

// onDataReceived accounts and validates one inbound data chunk.
// Caller holds sess.mu.
func (s *Stream) onDataReceived(payloadLen int) error {
	if s.state == StateClosed {
		return nil
	}
	if s.headerBlocks == 0 {
		return streamErrorf(s.id, errCodeProtocol, "data before response headers")
	}
	if s.trailersSeen || s.remoteEnded {
		return streamErrorf(s.id, errCodeProtocol, "data after end of stream")
	}
	if err := s.recvWindow.OnReceive(payloadLen); err != nil {
		return streamErrorf(s.id, errCodeFlowControl, "receive window: %v", err)
	}
	return nil
}

func responseStatus(fields []hpack.HeaderField) (int, error) {
	for _, f := range fields {
		if f.Name == ":status" {
			status, err := strconv.Atoi(f.Value)
			if err != nil {
				return 0, streamErrorf(0, errCodeProtocol, "unparseable :status %q", f.Value)
			}
			return status, nil
		}
	}
	return 0, streamErrorf(0, errCodeProtocol, "response without :status")
}

func cloneFields(fields []hpack.HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, len(fields))
	copy(out, fields)
	return out
}
