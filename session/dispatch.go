package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/h2mux/consts"
)

// readLoop is the read pump. Parsing is the codec's job; this loop only
// routes structured frames. A dispatch callback may close the target stream
// or the whole session, so handlers re-check liveness after every delegate
// call instead of trusting captured references.
func (s *Session) readLoop(ctx context.Context) error {
	br := bufio.NewReaderSize(s.conn, consts.ReceiveBufferSize)
	fr := http2.NewFramer(io.Discard, br)
	fr.ReadMetaHeaders = hpack.NewDecoder(s.cfg.HeaderTableSize, nil)
	fr.MaxHeaderListSize = s.cfg.MaxHeaderListSize
	fr.SetMaxReadFrameSize(s.cfg.MaxFrameSize)

	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.handleReadError(err)
		}
		if err := s.dispatch(frame); err != nil {
			var se SessionError
			if errors.As(err, &se) {
				s.drain(se.Code, se.Reason, se, true)
			} else {
				s.drainTransport(err)
			}
			return err
		}
	}
}

func (s *Session) handleReadError(err error) error {
	var se http2.StreamError
	if errors.As(err, &se) {
		// malformed frame confined to one stream
		s.log.Warn("codec stream error", zap.Uint32("stream-id", se.StreamID), zap.Error(err))
		s.resetStreamByID(se.StreamID, se.Code, se)
		return nil
	}

	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		s.drain(http2.ErrCode(ce), "codec error", err, true)
		return fmt.Errorf("read frame: %w", err)
	}

	s.drainTransport(err)
	return fmt.Errorf("read frame: %w", err)
}

func (s *Session) dispatch(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.MetaHeadersFrame:
		s.onHeaders(f)
	case *http2.DataFrame:
		return s.onData(f)
	case *http2.RSTStreamFrame:
		s.onStreamReset(f)
	case *http2.WindowUpdateFrame:
		return s.onWindowUpdate(f)
	case *http2.SettingsFrame:
		return s.onSettings(f)
	case *http2.PingFrame:
		s.onPing(f)
	case *http2.GoAwayFrame:
		s.onGoAway(f)
	case *http2.PushPromiseFrame:
		s.onPushPromise(f)
	case *http2.PriorityFrame:
		// servers rarely reprioritize the client; nothing to schedule
		s.log.Debug("priority frame ignored", zap.Uint32("stream-id", f.Header().StreamID))
	default:
		s.log.Debug("unknown frame ignored", zap.Stringer("type", frame.Header().Type))
	}
	return nil
}

func (s *Session) onHeaders(f *http2.MetaHeadersFrame) {
	id := f.Header().StreamID

	s.mu.Lock()
	st := s.active[id]
	if st == nil {
		s.mu.Unlock()
		s.log.Debug("headers for unknown stream", zap.Uint32("stream-id", id))
		return
	}

	notify, err := st.onHeadersReceived(f.Fields, f.StreamEnded())
	if err != nil {
		s.mu.Unlock()
		s.onStreamViolation(st, err)
		return
	}
	var calls []func()
	if f.StreamEnded() {
		calls = s.handleRemoteEndLocked(st)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	run(calls)
	s.maybeFinishGoingAway()
}

func (s *Session) onData(f *http2.DataFrame) error {
	// flow control charges the whole payload, padding included
	payloadLen := int(f.Header().Length)
	if err := s.recvWindow.OnReceive(payloadLen); err != nil {
		return sessionErrorf(errCodeFlowControl, "connection receive window: %v", err)
	}

	id := f.Header().StreamID
	s.mu.Lock()
	st := s.active[id]
	if st == nil {
		s.mu.Unlock()
		s.log.Debug("data for unknown stream", zap.Uint32("stream-id", id))
		// nobody will consume these bytes; recredit the connection now
		s.creditConnWindow(payloadLen)
		return nil
	}

	if err := st.onDataReceived(payloadLen); err != nil {
		s.mu.Unlock()
		s.creditConnWindow(payloadLen)
		s.onStreamViolation(st, err)
		return nil
	}

	data := f.Data()
	var calls []func()
	if f.StreamEnded() {
		calls = s.handleRemoteEndLocked(st)
	}
	closedNow := st.state == StateClosed
	s.mu.Unlock()

	// padding is consumed by no one; recredit it right away, but never at
	// stream scope once this frame closed the stream
	if padding := payloadLen - len(data); padding > 0 {
		s.creditConnWindow(padding)
		if !closedNow {
			if grant := st.recvWindow.Consume(padding); grant > 0 {
				s.enqueueWindowUpdate(id, grant)
			}
		}
	}

	if len(data) > 0 {
		st.delegate.OnDataReceived(st, data)
	}
	run(calls)
	s.maybeFinishGoingAway()
	return nil
}

// onStreamViolation handles a per-stream protocol error: reset the stream,
// keep the session alive.
func (s *Session) onStreamViolation(st *Stream, err error) {
	code := errCodeProtocol
	var se StreamError
	if errors.As(err, &se) {
		code = se.Code
	}
	s.log.Warn("stream protocol violation", zap.Uint32("stream-id", st.ID()), zap.Error(err))
	s.ResetStream(st, code, err)
}

func (s *Session) onStreamReset(f *http2.RSTStreamFrame) {
	id := f.Header().StreamID

	s.mu.Lock()
	st := s.active[id]
	if st == nil {
		s.mu.Unlock()
		s.log.Debug("reset for unknown stream", zap.Uint32("stream-id", id))
		return
	}
	calls := s.closeStreamLocked(st, ResetError{Code: f.ErrCode})
	s.mu.Unlock()

	run(calls)
	s.maybeFinishGoingAway()
}

func (s *Session) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	id := f.Header().StreamID
	delta := f.Increment

	if id == 0 {
		if delta == 0 {
			return sessionErrorf(errCodeProtocol, "zero-delta credit grant on connection")
		}
		if err := s.sendWindow.Increase(delta); err != nil {
			return sessionErrorf(errCodeFlowControl, "connection send window: %v", err)
		}
		s.onSendCapacity()
		return nil
	}

	s.mu.Lock()
	st := s.active[id]
	if st == nil {
		s.mu.Unlock()
		s.log.Debug("window update for unknown stream", zap.Uint32("stream-id", id))
		return nil
	}
	s.mu.Unlock()

	if delta == 0 {
		s.onStreamViolation(st, streamErrorf(id, errCodeProtocol, "zero-delta credit grant"))
		return nil
	}
	if err := st.sendWindow.Increase(delta); err != nil {
		s.onStreamViolation(st, streamErrorf(id, errCodeFlowControl, "send window: %v", err))
		return nil
	}
	s.retryStreamStalled(st)
	return nil
}

// retryStreamStalled re-enqueues a stream blocked on its own window.
func (s *Session) retryStreamStalled(st *Stream) {
	s.mu.Lock()
	stalled := st.stalledOn == stallStreamWindow
	if stalled {
		st.stalledOn = stallNone
	}
	s.mu.Unlock()
	if stalled {
		s.enqueueData(st)
	}
}

func (s *Session) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		s.log.Debug("settings acked")
		return nil
	}

	var calls []func()
	s.mu.Lock()
	first := !s.gotSettings
	s.gotSettings = true

	var fatal error
	_ = f.ForeachSetting(func(setting http2.Setting) error {
		if fatal != nil {
			return nil
		}
		switch setting.ID {
		case http2.SettingInitialWindowSize:
			var retry []func()
			retry, fatal = s.applyInitialWindowLocked(setting.Val)
			calls = append(calls, retry...)
		case http2.SettingMaxConcurrentStreams:
			s.maxConcurrent = min(setting.Val, consts.DefaultMaxConcurrentLimit)
			calls = append(calls, s.promotePendingLocked()...)
		case http2.SettingMaxFrameSize:
			if setting.Val >= 16_384 && setting.Val <= 1<<24-1 {
				s.peerMaxFrameSize = setting.Val
			}
		case http2.SettingHeaderTableSize:
			s.henc.SetMaxDynamicTableSize(setting.Val)
		case http2.SettingMaxHeaderListSize, http2.SettingEnablePush:
			// nothing to apply on the client side
		case settingNoRFC7540Priorities:
			if setting.Val > 1 {
				fatal = sessionErrorf(errCodeProtocol, "invalid no-priorities setting %d", setting.Val)
				return nil
			}
			val := setting.Val == 1
			if !first && val != s.peerNoPrioritiesRaw {
				// flipping the advertised value mid-connection is a hard
				// protocol error; re-sending the same value is a no-op
				fatal = sessionErrorf(errCodeProtocol, "priority signaling renegotiated mid-connection")
				return nil
			}
			s.peerNoPrioritiesRaw = val
			s.peerNoPriorities = val && s.cfg.DisableRFC7540Priorities
		default:
			s.log.Debug("unsupported setting ignored",
				zap.Stringer("id", setting.ID), zap.Uint32("val", setting.Val))
		}
		return nil
	})
	s.mu.Unlock()

	run(calls)
	if fatal != nil {
		return fatal
	}

	s.enqueueControl(http2.FrameSettings, "settings-ack", settingsAckFrame(), nil)
	return nil
}

// applyInitialWindowLocked shifts every stream send window by the delta
// between the old and new initial size. A negative shift may legally drive
// windows negative; an overflow on the positive side drains the session.
// A positive shift is a credit grant, so streams parked on a depleted stream
// window get a retry. Returned calls run outside the lock.
func (s *Session) applyInitialWindowLocked(val uint32) (calls []func(), err error) {
	if val > consts.MaxWindowSize {
		return nil, sessionErrorf(errCodeFlowControl, "initial window size %d exceeds 2^31-1", val)
	}
	delta := int32(int64(val) - int64(s.peerInitialWindow))
	s.peerInitialWindow = val
	if delta == 0 {
		return nil, nil
	}
	for _, st := range s.active {
		if err := st.sendWindow.Adjust(delta); err != nil {
			return nil, sessionErrorf(errCodeFlowControl, "stream %d send window: %v", st.id, err)
		}
		if delta > 0 && st.stalledOn == stallStreamWindow {
			st.stalledOn = stallNone
			st := st
			calls = append(calls, func() { s.enqueueData(st) })
		}
	}
	for st := range s.created {
		if err := st.sendWindow.Adjust(delta); err != nil {
			return nil, sessionErrorf(errCodeFlowControl, "created stream send window: %v", err)
		}
	}
	return calls, nil
}

func (s *Session) onPing(f *http2.PingFrame) {
	if f.IsAck() {
		s.onPingAck()
		return
	}
	s.enqueueControl(http2.FramePing, "ping-ack", pingFrame(true, f.Data), nil)
}

// onGoAway handles the peer's shutdown notice: streams above the
// last-accepted id abort immediately, the rest run to natural completion,
// after which the session drains.
func (s *Session) onGoAway(f *http2.GoAwayFrame) {
	cause := GoAwayError{
		Code:         f.ErrCode,
		LastStreamID: f.LastStreamID,
		DebugData:    bytes.Clone(f.DebugData()),
	}
	s.log.Info("got shutdown notice",
		zap.Uint32("last-stream-id", cause.LastStreamID),
		zap.String("code", cause.Code.String()),
		zap.ByteString("debug-data", cause.DebugData),
	)

	s.mu.Lock()
	calls := s.startGoingAwayLocked(cause)
	for id, st := range s.active {
		if id > cause.LastStreamID {
			calls = append(calls, s.closeStreamLocked(st, cause)...)
		}
	}
	// created streams would be assigned ids past the boundary; abort them
	for st := range s.created {
		calls = append(calls, s.closeStreamLocked(st, cause)...)
	}
	s.mu.Unlock()

	s.wq.DiscardStreamsAbove(cause.LastStreamID)
	run(calls)
	s.maybeFinishGoingAway()
}

// onPushPromise rejects server push outright.
func (s *Session) onPushPromise(f *http2.PushPromiseFrame) {
	s.log.Warn("rejecting pushed stream", zap.Uint32("promised-id", f.PromiseID))
	s.enqueueControl(http2.FrameRSTStream, "refuse-push",
		rstStreamFrame(f.PromiseID, errCodeRefusedStream), nil)
}
