package session

import (
	"context"
	"encoding/binary"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ResetStream sends an abort signal to the peer and closes the stream
// locally. The delegate's OnClosed fires exactly once with cause.
func (s *Session) ResetStream(st *Stream, code http2.ErrCode, cause error) {
	s.mu.Lock()
	if st.state == StateClosed {
		s.mu.Unlock()
		return
	}
	id := st.id
	calls := s.closeStreamLocked(st, cause)
	s.mu.Unlock()

	if id != 0 {
		s.enqueueControl(http2.FrameRSTStream, "rst-stream", rstStreamFrame(id, code), nil)
	}
	run(calls)
	s.maybeFinishGoingAway()
}

// CloseActiveStream tears down local bookkeeping without signaling the peer.
func (s *Session) CloseActiveStream(st *Stream, cause error) {
	s.mu.Lock()
	calls := s.closeStreamLocked(st, cause)
	s.mu.Unlock()
	run(calls)
	s.maybeFinishGoingAway()
}

// CloseCreatedStream drops a stream whose headers never reached the wire.
func (s *Session) CloseCreatedStream(st *Stream) {
	s.mu.Lock()
	calls := s.closeStreamLocked(st, nil)
	s.mu.Unlock()
	run(calls)
	s.maybeFinishGoingAway()
}

func (s *Session) resetStreamByID(id uint32, code http2.ErrCode, cause error) {
	s.mu.Lock()
	st := s.active[id]
	s.mu.Unlock()
	if st == nil {
		s.enqueueControl(http2.FrameRSTStream, "rst-stream", rstStreamFrame(id, code), nil)
		return
	}
	s.ResetStream(st, code, cause)
}

// closeStreamLocked moves a stream to Closed and unlinks every trace of it:
// active/created membership, dependency tracking, stall queues. The freed
// concurrency slot admits parked requests. Returned calls (the one-shot
// OnClosed first, then request completions) run outside the lock.
func (s *Session) closeStreamLocked(st *Stream, cause error) (calls []func()) {
	if st.state == StateClosed {
		return nil
	}
	st.state = StateClosed
	st.closeErr = cause
	st.pending = nil

	if st.id != 0 {
		delete(s.active, st.id)
		s.deps.OnClose(st.id)
	}
	delete(s.created, st)

	if st.stalledOn == stallConnWindow {
		queue := s.stalled[st.level]
		for i, q := range queue {
			if q == st {
				s.stalled[st.level] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
	}
	st.stalledOn = stallNone

	if !st.closeNotified {
		st.closeNotified = true
		calls = append(calls, func() { st.delegate.OnClosed(st, cause) })
	}
	return append(calls, s.promotePendingLocked()...)
}

// handleRemoteEndLocked applies the peer's end-of-stream signal.
func (s *Session) handleRemoteEndLocked(st *Stream) (calls []func()) {
	if st.state == StateClosed {
		return nil
	}
	st.remoteEnded = true
	switch st.state {
	case StateOpen:
		st.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		calls = s.closeStreamLocked(st, nil)
	}
	return calls
}

func (s *Session) startGoingAwayLocked(reason error) (calls []func()) {
	if s.state != Available {
		return nil
	}
	s.state = GoingAway
	s.log.Info("session going away", zap.NamedError("reason", reason))
	calls = s.failPendingLocked(reason)
	return append(calls, func() { s.pool.OnSessionUnavailable(s) })
}

// maybeFinishGoingAway completes the GoingAway → Draining transition once
// the last stream is gone; the write queue flushes before Run returns.
func (s *Session) maybeFinishGoingAway() {
	s.mu.Lock()
	finish := s.state == GoingAway && len(s.active) == 0 && len(s.created) == 0
	s.mu.Unlock()
	if finish {
		s.drain(errCodeNo, "going away complete", ErrSessionDraining, true)
	}
}

// drain is the terminal path, idempotent and convergent: every pending
// request fails, every stream aborts with the triggering error, queued
// stream writes are discarded, a best-effort shutdown notice goes out when
// anything can still be sent, and the pool may remove the session.
func (s *Session) drain(code http2.ErrCode, debug string, cause error, sendGoAway bool) {
	if cause == nil {
		cause = ErrSessionDraining
	}

	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		return
	}
	s.drained = true
	wasAvailable := s.state == Available
	s.state = Draining

	calls := s.failPendingLocked(cause)
	streams := make([]*Stream, 0, len(s.active)+len(s.created))
	for _, st := range s.active {
		streams = append(streams, st)
	}
	for st := range s.created {
		streams = append(streams, st)
	}
	for _, st := range streams {
		calls = append(calls, s.closeStreamLocked(st, cause)...)
	}
	s.mu.Unlock()

	s.log.Info("session draining",
		zap.String("code", code.String()),
		zap.String("debug", debug),
		zap.NamedError("cause", cause),
	)

	if wasAvailable {
		s.pool.OnSessionUnavailable(s)
	}

	s.wq.DiscardStreamsAbove(0)
	if sendGoAway {
		s.enqueueControl(http2.FrameGoAway, "shutdown-notice",
			goAwayFrame(0, code, []byte(debug)), nil)
	}
	s.wq.Close()
	s.pool.OnSessionRemovable(s)
	close(s.done)
	run(calls)
}

// drainTransport handles read/write/handshake failures: nothing can be sent
// reliably anymore, so no shutdown notice is attempted.
func (s *Session) drainTransport(err error) {
	s.drain(errCodeNo, "transport error", err, false)
}

// keepAliveLoop owns the liveness pings and the bounded-time receive-window
// credit flush, so slow-draining peers are not starved of window credit.
// The timeout timer is armed per ping, so a dead peer is detected one
// KeepAliveTimeout after the unanswered ping, not on the next interval tick.
func (s *Session) keepAliveLoop(ctx context.Context) error {
	ping := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ping.Stop()
	flush := time.NewTicker(s.cfg.WindowFlushInterval)
	defer flush.Stop()
	timeout := time.NewTimer(time.Hour)
	if !timeout.Stop() {
		<-timeout.C
	}
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			s.mu.Lock()
			if s.pingOutstanding {
				s.mu.Unlock()
				continue
			}
			s.pingSeq++
			var payload [8]byte
			binary.BigEndian.PutUint64(payload[:], s.pingSeq)
			s.pingOutstanding = true
			s.pingSentAt = time.Now()
			s.mu.Unlock()
			timeout.Reset(s.cfg.KeepAliveTimeout)
			s.enqueueControl(http2.FramePing, "keepalive", pingFrame(false, payload), nil)
		case <-timeout.C:
			s.mu.Lock()
			expired := s.pingOutstanding && time.Since(s.pingSentAt) >= s.cfg.KeepAliveTimeout
			s.mu.Unlock()
			if expired {
				s.drainTransport(ErrKeepAliveTimeout)
				return ErrKeepAliveTimeout
			}
		case <-flush.C:
			s.flushWindowCredit()
		}
	}
}

func (s *Session) flushWindowCredit() {
	if grant := s.recvWindow.Flush(); grant > 0 {
		s.enqueueWindowUpdate(0, grant)
	}

	type streamGrant struct {
		id    uint32
		grant uint32
	}
	var grants []streamGrant
	s.mu.Lock()
	for id, st := range s.active {
		if g := st.recvWindow.Flush(); g > 0 {
			grants = append(grants, streamGrant{id, g})
		}
	}
	s.mu.Unlock()

	for _, g := range grants {
		s.enqueueWindowUpdate(g.id, g.grant)
	}
}

func (s *Session) onPingAck() {
	s.mu.Lock()
	if !s.pingOutstanding {
		s.mu.Unlock()
		return
	}
	s.pingOutstanding = false
	rtt := time.Since(s.pingSentAt)
	s.mu.Unlock()
	s.log.Debug("keepalive ack", zap.Duration("rtt", rtt))
}
