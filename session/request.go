package session

import (
	"context"
	"fmt"

	"github.com/ozontech/h2mux/priority"
)

// handshakeConfirmer is what a transport exposes when stream admission must
// wait for the handshake (no early data). *tls.Conn satisfies it.
type handshakeConfirmer interface {
	HandshakeContext(ctx context.Context) error
}

// StreamRequest is the async handle for obtaining a stream. When the
// session's concurrency limit is exhausted the request parks in its priority
// bucket and completes through the callback once a slot frees. Cancel is
// synchronous: after it returns no callback will fire.
type StreamRequest struct {
	kind     StreamKind
	level    priority.Level
	delegate StreamDelegate

	// all below sess.mu once started
	sess      *Session
	completed bool
	canceled  bool
	callback  func(*Stream, error)
}

func NewStreamRequest(kind StreamKind, level priority.Level, delegate StreamDelegate) *StreamRequest {
	return &StreamRequest{kind: kind, level: level, delegate: delegate}
}

func (r *StreamRequest) Priority() priority.Level { return r.level }

// Start tries to obtain a stream from sess. It returns the stream on
// immediate admission; on (nil, nil) the request is queued and cb fires
// later with the outcome. When the session requires handshake confirmation,
// Start blocks on it first.
func (r *StreamRequest) Start(ctx context.Context, sess *Session, cb func(*Stream, error)) (*Stream, error) {
	if r.kind == StreamKindPush {
		return nil, ErrPushUnsupported
	}

	if sess.cfg.ConfirmHandshakeBeforeStreams {
		if hs, ok := sess.conn.(handshakeConfirmer); ok {
			if err := hs.HandshakeContext(ctx); err != nil {
				return nil, fmt.Errorf("confirm handshake: %w", err)
			}
		}
	}

	r.sess = sess
	r.callback = cb
	return sess.tryCreateStream(r)
}

// Cancel removes the request from whichever priority queue holds it and
// invalidates any in-flight completion.
func (r *StreamRequest) Cancel() {
	if r.sess == nil {
		return
	}
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	r.canceled = true
}

// complete must run outside sess.mu. A Cancel racing a promotion wins: the
// callback is suppressed and the just-created stream, which the caller never
// saw, is dropped without a close notification.
func (r *StreamRequest) complete(st *Stream, err error) {
	r.sess.mu.Lock()
	if r.canceled {
		var calls []func()
		if st != nil {
			st.closeNotified = true
			calls = r.sess.closeStreamLocked(st, ErrStreamClosed)
		}
		r.sess.mu.Unlock()
		run(calls)
		r.sess.maybeFinishGoingAway()
		return
	}
	r.sess.mu.Unlock()

	if r.callback != nil {
		r.callback(st, err)
	}
}
