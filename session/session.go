// Package session implements the client side of one multiplexed HTTP/2
// connection: stream admission and lifecycle, connection- and stream-scope
// flow control, a priority-ordered write pump of deferred frame producers,
// inbound frame dispatch, settings/keepalive handling and shutdown.
//
// Inbound parsing is delegated to the x/net frame codec; outbound frames are
// serialized by producers at write time, so late-bound values (stream ids,
// dependency parents) are correct on the wire.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/h2mux/consts"
	"github.com/ozontech/h2mux/flowcontrol"
	"github.com/ozontech/h2mux/frameheader"
	"github.com/ozontech/h2mux/hpackwrapper"
	"github.com/ozontech/h2mux/priority"
	"github.com/ozontech/h2mux/writequeue"
)

var clientPreface = []byte(http2.ClientPreface)

// Availability is the session-level state machine. Available admits new
// streams; GoingAway serves the existing ones only; Draining is terminal.
type Availability int32

const (
	Available Availability = iota
	GoingAway
	Draining
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case GoingAway:
		return "going-away"
	case Draining:
		return "draining"
	}
	return "invalid"
}

var sessionSeq atomic.Uint32

// Session owns one connection and everything multiplexed over it.
type Session struct {
	cfg  Config
	log  *zap.Logger
	conn net.Conn
	key  PoolKey
	pool Pool

	wq   *writequeue.Queue
	henc *hpackwrapper.Wrapper
	hbuf bytes.Buffer // headers producer scratch, write pump only

	sendWindow *flowcontrol.SendWindow // connection scope
	recvWindow *flowcontrol.RecvWindow // connection scope

	mu           sync.Mutex
	state        Availability
	drained      bool
	nextStreamID uint32
	active       map[uint32]*Stream
	created      map[*Stream]struct{}
	pendingReqs  [priority.NumLevels][]*StreamRequest
	stalled      [priority.NumLevels][]*Stream // blocked on the connection window
	deps         *priority.Dependencies

	// peer-advertised limits
	maxConcurrent       uint32
	peerMaxFrameSize    uint32
	peerInitialWindow   uint32
	gotSettings         bool
	peerNoPriorities    bool // effective: advertised and locally enabled
	peerNoPrioritiesRaw bool // as advertised, for renegotiation detection

	pingOutstanding bool
	pingSentAt      time.Time
	pingSeq         uint64

	done chan struct{}
}

// New wraps an established transport connection. The caller owns running the
// session via Run and announcing it to its pool.
func New(conn net.Conn, key PoolKey, pool Pool, cfg Config, log *zap.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if pool == nil {
		pool = NoopPool{}
	}

	id := sessionSeq.Add(1)
	log = log.Named("session").With(
		zap.Uint32("session-id", id),
		zap.String("pool-key", key.String()),
	)

	s := &Session{
		cfg:  cfg,
		log:  log,
		conn: conn,
		key:  key,
		pool: pool,

		wq:   writequeue.New(cfg.MaxQueuedControlFrames),
		henc: hpackwrapper.NewWrapper(),

		sendWindow: flowcontrol.NewSendWindow(consts.DefaultInitialWindowSize),
		recvWindow: flowcontrol.NewRecvWindow(cfg.MaxRecvWindow),

		nextStreamID: 1,
		active:       make(map[uint32]*Stream),
		created:      make(map[*Stream]struct{}),
		deps:         priority.NewDependencies(),

		maxConcurrent:     consts.DefaultMaxConcurrentLimit,
		peerMaxFrameSize:  consts.DefaultMaxFrameSize,
		peerInitialWindow: consts.DefaultInitialWindowSize,

		done: make(chan struct{}),
	}
	log.Debug("session created")
	return s, nil
}

func (s *Session) Key() PoolKey { return s.key }

func (s *Session) Availability() Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has fully drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run pumps the connection until a fatal error, a peer shutdown completes,
// or ctx is canceled. It always leaves the session drained and the
// connection closed.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		s.drain(errCodeNo, "session stopped", ErrSessionDraining, false)
		err = multierr.Append(err, s.conn.Close())
	}()

	if err := s.writePreface(); err != nil {
		s.drainTransport(err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.wq.Close()
		// unblock the read pump now; give the write pump a short grace to
		// flush the queue tail (the shutdown notice rides there)
		err := s.conn.SetReadDeadline(time.Now())
		return multierr.Append(err, s.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	})
	g.Go(func() error {
		defer cancel()
		return s.writeLoop()
	})
	g.Go(func() error {
		defer cancel()
		return s.readLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.keepAliveLoop(ctx)
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || ctx.Err() != nil && isDeadlineErr(err) {
		err = nil
	}
	return err
}

func isDeadlineErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// StartGoingAway stops admitting stream requests and fails the pending ones.
// Active streams keep running; once the last one closes the session drains.
func (s *Session) StartGoingAway(reason error) {
	if reason == nil {
		reason = ErrSessionGoingAway
	}
	s.mu.Lock()
	calls := s.startGoingAwayLocked(reason)
	s.mu.Unlock()
	run(calls)
	s.maybeFinishGoingAway()
}

// Shutdown drains gracefully: existing streams finish, then the session
// sends its shutdown notice and stops. ctx bounds the wait; on expiry the
// session is torn down immediately.
func (s *Session) Shutdown(ctx context.Context) error {
	s.StartGoingAway(ErrSessionGoingAway)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.drain(errCodeNo, "shutdown deadline", ErrSessionDraining, true)
		<-s.done
		return ctx.Err()
	}
}

func (s *Session) writePreface() error {
	if _, err := s.conn.Write(clientPreface); err != nil {
		return fmt.Errorf("write preface: %w", err)
	}

	settings := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: s.cfg.HeaderTableSize},
		{ID: http2.SettingInitialWindowSize, Val: s.cfg.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.cfg.MaxFrameSize},
		{ID: http2.SettingEnablePush, Val: 0},
	}
	if s.cfg.MaxHeaderListSize != consts.DefaultMaxHeaderListSize {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.cfg.MaxHeaderListSize})
	}
	if s.cfg.EnableConnectProtocol {
		settings = append(settings, http2.Setting{ID: settingEnableConnectProtocol, Val: 1})
	}
	if s.cfg.DisableRFC7540Priorities {
		settings = append(settings, http2.Setting{ID: settingNoRFC7540Priorities, Val: 1})
	}
	if _, err := s.conn.Write(settingsFrame(settings)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	// the connection window starts at the protocol default regardless of
	// SETTINGS_INITIAL_WINDOW_SIZE; raise it to the configured target
	if delta := uint32(s.cfg.MaxRecvWindow) - consts.DefaultInitialWindowSize; delta != 0 {
		if _, err := s.conn.Write(windowUpdateFrame(0, delta)); err != nil {
			return fmt.Errorf("write initial window update: %w", err)
		}
	}
	return nil
}

// writeLoop is the write pump: dequeue by priority, serialize, write,
// notify the producer.
func (s *Session) writeLoop() error {
	for {
		e, ok := s.wq.Dequeue()
		if !ok {
			return nil
		}
		bufs, done, err := e.Producer.Produce()
		if err != nil {
			return fmt.Errorf("produce %s frame: %w", e.Kind, err)
		}
		if len(bufs) > 0 {
			if _, err := bufs.WriteTo(s.conn); err != nil {
				return fmt.Errorf("write %s frame (%s): %w", e.Kind, e.Tag, err)
			}
		}
		if done != nil {
			done()
		}
	}
}

// tryCreateStream admits a request immediately when below the concurrency
// limit, otherwise parks it in its priority bucket ((nil, nil) return).
func (s *Session) tryCreateStream(r *StreamRequest) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case GoingAway:
		return nil, ErrSessionGoingAway
	case Draining:
		return nil, ErrSessionDraining
	}
	if r.kind == StreamKindPush {
		return nil, ErrPushUnsupported
	}
	if !r.level.Valid() {
		r.level = priority.Lowest
	}

	if s.hasCapacityLocked() {
		r.completed = true
		return s.newStreamLocked(r), nil
	}
	s.pendingReqs[r.level] = append(s.pendingReqs[r.level], r)
	return nil, nil
}

func (s *Session) hasCapacityLocked() bool {
	return uint32(len(s.active)+len(s.created)) < s.maxConcurrent
}

func (s *Session) newStreamLocked(r *StreamRequest) *Stream {
	delegate := r.delegate
	if delegate == nil {
		delegate = NoopDelegate{}
	}
	st := &Stream{
		sess:       s,
		delegate:   delegate,
		kind:       r.kind,
		level:      r.level,
		state:      StateIdle,
		sendWindow: flowcontrol.NewSendWindow(int32(s.peerInitialWindow)),
		recvWindow: flowcontrol.NewRecvWindow(int32(s.cfg.InitialWindowSize)),
	}
	s.created[st] = struct{}{}
	return st
}

// promotePendingLocked admits parked requests while capacity lasts, highest
// priority first. Returned calls run outside the lock.
func (s *Session) promotePendingLocked() (calls []func()) {
	for band := priority.NumLevels - 1; band >= 0; band-- {
		for len(s.pendingReqs[band]) > 0 && s.hasCapacityLocked() {
			r := s.pendingReqs[band][0]
			s.pendingReqs[band] = s.pendingReqs[band][1:]
			if r.canceled || r.completed {
				continue
			}
			r.completed = true
			st := s.newStreamLocked(r)
			calls = append(calls, func() { r.complete(st, nil) })
		}
	}
	return calls
}

func (s *Session) failPendingLocked(err error) (calls []func()) {
	for band := range s.pendingReqs {
		for _, r := range s.pendingReqs[band] {
			if r.canceled || r.completed {
				continue
			}
			r.completed = true
			r := r
			calls = append(calls, func() { r.complete(nil, err) })
		}
		s.pendingReqs[band] = nil
	}
	return calls
}

// enqueueHeaders schedules the deferred headers frame for a created stream.
func (s *Session) enqueueHeaders(st *Stream, level priority.Level) error {
	err := s.wq.Enqueue(writequeue.Entry{
		Producer: headersProducer{st},
		Kind:     http2.FrameHeaders,
		Level:    level,
		Tag:      "request-headers",
	})
	if errors.Is(err, writequeue.ErrClosed) {
		return ErrSessionDraining
	}
	return err
}

// enqueueData schedules the stream's next data chunk unless one is already
// queued or the stream is parked in a stall queue.
func (s *Session) enqueueData(st *Stream) {
	s.mu.Lock()
	if st.dataQueued || st.stalledOn != stallNone || st.state == StateClosed || st.id == 0 {
		s.mu.Unlock()
		return
	}
	st.dataQueued = true
	id, level := st.id, st.level
	s.mu.Unlock()

	err := s.wq.Enqueue(writequeue.Entry{
		Producer: dataProducer{st},
		Kind:     http2.FrameData,
		Level:    level,
		StreamID: id,
		Tag:      "data",
	})
	if err != nil && !errors.Is(err, writequeue.ErrClosed) {
		s.log.Warn("enqueue data", zap.Error(err))
	}
}

// enqueueControl admits a connection-scope frame to the fixed high-priority
// band. Overflowing the control cap is resource exhaustion: the peer has
// stopped reading while we keep generating acks, so the session drains.
func (s *Session) enqueueControl(kind http2.FrameType, tag string, frame []byte, done func()) {
	err := s.wq.Enqueue(writequeue.Entry{
		Producer: &rawFrame{bufs: net.Buffers{frame}, done: done},
		Kind:     kind,
		Control:  true,
		Tag:      tag,
	})
	switch {
	case errors.Is(err, writequeue.ErrControlQueueFull):
		s.log.Error("control frame queue overflow", zap.String("tag", tag))
		s.drain(errCodeEnhanceCalm, "too many queued control frames", err, false)
	case errors.Is(err, writequeue.ErrClosed):
		// draining; nothing left to send
	case err != nil:
		s.log.Warn("enqueue control frame", zap.String("tag", tag), zap.Error(err))
	}
}

func (s *Session) enqueueWindowUpdate(streamID, delta uint32) {
	s.enqueueControl(http2.FrameWindowUpdate, "window-update", windowUpdateFrame(streamID, delta), nil)
}

// creditConnWindow returns n consumed bytes to the connection receive window
// and advertises credit past the half-window threshold.
func (s *Session) creditConnWindow(n int) {
	if n <= 0 {
		return
	}
	if grant := s.recvWindow.Consume(n); grant > 0 {
		s.enqueueWindowUpdate(0, grant)
	}
}

// SetStreamPriority changes a stream's band. Dependency updates are
// recomputed and sent only for active streams, ahead of queued writes.
func (s *Session) SetStreamPriority(st *Stream, level priority.Level) {
	if !level.Valid() {
		level = priority.Lowest
	}
	s.mu.Lock()
	st.level = level
	var frame []byte
	if st.id != 0 && st.state != StateClosed && !s.peerNoPriorities {
		if u, ok := s.deps.OnPriorityChange(st.id, level); ok {
			frame = priorityFrame(u)
		}
	}
	s.mu.Unlock()

	if frame != nil {
		s.enqueueControl(http2.FramePriority, "priority-update", frame, nil)
	}
}

// buildHeadersFrame runs inside the write pump, immediately before the
// write. This is the single place a stream id is assigned, which keeps wire
// order and numeric order identical.
func (s *Session) buildHeadersFrame(st *Stream) (net.Buffers, func(), error) {
	s.mu.Lock()
	if st.state != StateIdle || s.state == Draining {
		// canceled or torn down between enqueue and write
		s.mu.Unlock()
		return nil, nil, nil
	}

	if s.nextStreamID > consts.MaxStreamID {
		calls := s.startGoingAwayLocked(ErrStreamIDExhausted)
		calls = append(calls, s.closeStreamLocked(st, ErrStreamIDExhausted)...)
		s.mu.Unlock()
		run(calls)
		s.maybeFinishGoingAway()
		return nil, nil, nil
	}

	id := s.nextStreamID
	s.nextStreamID += 2
	st.id = id
	delete(s.created, st)
	s.active[id] = st

	update := s.deps.OnActivate(id, st.level)
	withPriority := !s.peerNoPriorities

	endStream := st.endAfterHeaders && len(st.pending) == 0
	if endStream {
		st.state = StateHalfClosedLocal
	} else {
		st.state = StateOpen
	}

	headers := st.requestHeaders
	maxFrameSize := int(s.peerMaxFrameSize)
	s.mu.Unlock()

	bufs := s.serializeHeaders(id, headers, update, withPriority, endStream, maxFrameSize)

	done := func() {
		st.delegate.OnHeadersSent(st)
		s.mu.Lock()
		schedule := len(st.pending) > 0 &&
			(st.state == StateOpen || st.state == StateHalfClosedRemote)
		s.mu.Unlock()
		if schedule {
			s.enqueueData(st)
		}
	}
	return bufs, done, nil
}

// serializeHeaders encodes the header block and splits it into HEADERS plus
// CONTINUATION frames under the peer's frame-size limit. Write pump only:
// the hpack encoder and its scratch buffer are not shared.
func (s *Session) serializeHeaders(
	id uint32,
	headers []hpack.HeaderField,
	update priority.Update,
	withPriority bool,
	endStream bool,
	maxFrameSize int,
) net.Buffers {
	s.hbuf.Reset()
	s.henc.SetWriter(&s.hbuf)
	for _, f := range headers {
		s.henc.WriteField(f.Name, f.Value)
	}

	var bufs net.Buffers
	first := true
	for {
		limit := maxFrameSize
		if first && withPriority {
			limit -= 5
		}
		chunk := s.hbuf.Next(limit)
		last := s.hbuf.Len() == 0

		fh := frameheader.New()
		var flags http2.Flags
		payloadLen := len(chunk)
		if first {
			fh.SetType(http2.FrameHeaders)
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if withPriority {
				flags |= http2.FlagHeadersPriority
				payloadLen += 5
			}
		} else {
			fh.SetType(http2.FrameContinuation)
		}
		if last {
			flags |= http2.FlagHeadersEndHeaders
		}
		fh.SetLength(payloadLen)
		fh.SetFlags(flags)
		fh.SetStreamID(id)

		bufs = append(bufs, fh)
		if first && withPriority {
			bufs = append(bufs, priorityPayload(update))
		}
		if len(chunk) > 0 {
			bufs = append(bufs, chunk)
		}
		if last {
			return bufs
		}
		first = false
	}
}

// buildDataFrame computes the sendable chunk as min(pending, max frame,
// stream window, connection window), charges both windows, and clears
// END_STREAM when the chunk is only a partial send. A depleted window parks
// the stream in a stall queue instead of producing anything.
func (s *Session) buildDataFrame(st *Stream) (net.Buffers, func(), error) {
	s.mu.Lock()
	st.dataQueued = false
	if st.state != StateOpen && st.state != StateHalfClosedRemote {
		s.mu.Unlock()
		return nil, nil, nil
	}
	want := len(st.pending)
	if want == 0 {
		s.mu.Unlock()
		return nil, nil, nil
	}
	want = min(want, int(s.peerMaxFrameSize))

	n := st.sendWindow.Take(want)
	if n == 0 {
		st.stalledOn = stallStreamWindow
		s.mu.Unlock()
		return nil, nil, nil
	}
	taken := s.sendWindow.Take(n)
	if taken < n {
		st.sendWindow.Refund(n - taken)
	}
	if taken == 0 {
		st.stalledOn = stallConnWindow
		s.stalled[st.level] = append(s.stalled[st.level], st)
		s.mu.Unlock()
		return nil, nil, nil
	}

	chunk := st.pending[:taken]
	st.pending = st.pending[taken:]
	endStream := st.endAfterData && len(st.pending) == 0
	more := len(st.pending) > 0

	var calls []func()
	if endStream {
		switch st.state {
		case StateOpen:
			st.state = StateHalfClosedLocal
		case StateHalfClosedRemote:
			calls = s.closeStreamLocked(st, nil)
		}
	}
	id := st.id
	s.mu.Unlock()

	fh := frameheader.New()
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	fh.Fill(taken, http2.FrameData, flags, id)

	done := func() {
		st.delegate.OnDataSent(st, taken)
		run(calls)
		if more {
			s.enqueueData(st)
		}
	}
	return net.Buffers{fh, chunk}, done, nil
}

// onSendCapacity pops connection-window-stalled streams in priority order
// and asks each to retry its next data frame.
func (s *Session) onSendCapacity() {
	var retry []*Stream
	s.mu.Lock()
	for band := priority.NumLevels - 1; band >= 0; band-- {
		for _, st := range s.stalled[band] {
			st.stalledOn = stallNone
			retry = append(retry, st)
		}
		s.stalled[band] = nil
	}
	s.mu.Unlock()

	for _, st := range retry {
		s.enqueueData(st)
	}
}

func run(calls []func()) {
	for _, c := range calls {
		c()
	}
}
