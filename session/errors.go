package session

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

var (
	// ErrSessionGoingAway reports a stream request against a session that
	// stopped admitting new streams but still serves the existing ones.
	ErrSessionGoingAway = errors.New("session is going away")

	// ErrSessionDraining reports a stream request against a closed session.
	ErrSessionDraining = errors.New("session is draining")

	// ErrPushUnsupported reports an attempt to service a server-pushed
	// stream. Push is rejected, not implemented.
	ErrPushUnsupported = errors.New("server push is not supported")

	// ErrStreamIDExhausted reports the odd stream-id space running out.
	ErrStreamIDExhausted = errors.New("stream id space exhausted")

	// ErrHeadersAlreadySent reports a second SendRequestHeaders call.
	ErrHeadersAlreadySent = errors.New("request headers already sent")

	// ErrStreamClosed reports an operation on a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrKeepAliveTimeout reports the peer failing to answer a liveness
	// ping in time.
	ErrKeepAliveTimeout = errors.New("keepalive ping timed out")
)

const (
	errCodeNo            = http2.ErrCodeNo
	errCodeProtocol      = http2.ErrCodeProtocol
	errCodeFlowControl   = http2.ErrCodeFlowControl
	errCodeCancel        = http2.ErrCodeCancel
	errCodeRefusedStream = http2.ErrCodeRefusedStream
	errCodeEnhanceCalm   = http2.ErrCodeEnhanceYourCalm
)

// SessionError is a connection-scope protocol violation. Raising one drains
// the whole session.
type SessionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e SessionError) Error() string {
	return fmt.Sprintf("session error (%s): %s", e.Code, e.Reason)
}

func sessionErrorf(code http2.ErrCode, format string, args ...any) SessionError {
	return SessionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError is a protocol violation confined to one stream. It resets the
// stream and leaves the session available.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream %d error (%s): %s", e.StreamID, e.Code, e.Reason)
}

func streamErrorf(id uint32, code http2.ErrCode, format string, args ...any) StreamError {
	return StreamError{StreamID: id, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// GoAwayError carries the contents of a peer shutdown notice. Streams above
// the last-accepted id are aborted with it.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

// ResetError carries the code of a peer stream reset.
type ResetError struct {
	Code http2.ErrCode
}

func (e ResetError) Error() string {
	return "rst stream: " + e.Code.String()
}
