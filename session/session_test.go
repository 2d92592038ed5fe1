package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/h2mux/priority"
)

const testTimeout = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	// keep background traffic out of the frame sequences under test
	cfg.KeepAliveInterval = time.Hour
	cfg.WindowFlushInterval = time.Hour
	return cfg
}

type countingPool struct {
	unavailable chan struct{}
	removable   chan struct{}
}

func newCountingPool() *countingPool {
	return &countingPool{
		unavailable: make(chan struct{}, 8),
		removable:   make(chan struct{}, 8),
	}
}

func (p *countingPool) OnSessionUnavailable(*Session) { p.unavailable <- struct{}{} }
func (p *countingPool) OnSessionRemovable(*Session)   { p.removable <- struct{}{} }

type headersEvent struct {
	status int
	fields []hpack.HeaderField
}

type recordingDelegate struct {
	headersSent chan struct{}
	headers     chan headersEvent
	data        chan []byte
	dataSent    chan int
	trailers    chan []hpack.HeaderField
	closed      chan error
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		headersSent: make(chan struct{}, 16),
		headers:     make(chan headersEvent, 16),
		data:        make(chan []byte, 16),
		dataSent:    make(chan int, 16),
		trailers:    make(chan []hpack.HeaderField, 16),
		closed:      make(chan error, 16),
	}
}

func (d *recordingDelegate) OnHeadersSent(*Stream) { d.headersSent <- struct{}{} }
func (d *recordingDelegate) OnHeadersReceived(_ *Stream, status int, fields []hpack.HeaderField) {
	d.headers <- headersEvent{status, fields}
}
func (d *recordingDelegate) OnDataSent(_ *Stream, n int) { d.dataSent <- n }
func (d *recordingDelegate) OnDataReceived(s *Stream, data []byte) {
	s.Consume(len(data))
	d.data <- bytes.Clone(data)
}
func (d *recordingDelegate) OnTrailersReceived(_ *Stream, fields []hpack.HeaderField) {
	d.trailers <- fields
}
func (d *recordingDelegate) OnClosed(_ *Stream, err error) { d.closed <- err }

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectSilent[T any](t *testing.T, ch <-chan T, dur time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(dur):
	}
}

// serverPeer drives the far side of the pipe with a real frame codec.
type serverPeer struct {
	t    *testing.T
	conn net.Conn
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	clientSettings []http2.Setting
}

// newServerPeer completes the connection preface from the server side:
// reads the client preface, settings and initial window update, sends its
// own settings and acks the client's.
func newServerPeer(t *testing.T, conn net.Conn, settings ...http2.Setting) *serverPeer {
	t.Helper()
	p := &serverPeer{t: t, conn: conn}
	p.henc = hpack.NewEncoder(&p.hbuf)

	preface := make([]byte, len(clientPreface))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := io.ReadFull(conn, preface)
	require.NoError(t, err)
	require.Equal(t, clientPreface, preface)

	p.fr = http2.NewFramer(conn, conn)
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	sf, ok := p.readFrame().(*http2.SettingsFrame)
	require.True(t, ok, "first client frame must be settings")
	for i := 0; i < sf.NumSettings(); i++ {
		p.clientSettings = append(p.clientSettings, sf.Setting(i))
	}

	wu, ok := p.readFrame().(*http2.WindowUpdateFrame)
	require.True(t, ok, "expected the initial connection window update")
	require.Zero(t, wu.Header().StreamID)

	require.NoError(t, p.fr.WriteSettings(settings...))
	require.NoError(t, p.fr.WriteSettingsAck())
	p.expectClientSettingsAck()
	return p
}

func (p *serverPeer) readFrame() http2.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	f, err := p.fr.ReadFrame()
	require.NoError(p.t, err)
	return f
}

// next skips background frames (acks, pings, credit grants) until a frame of
// one of the wanted types arrives.
func (p *serverPeer) next(types ...http2.FrameType) http2.Frame {
	p.t.Helper()
	for {
		f := p.readFrame()
		for _, typ := range types {
			if f.Header().Type == typ {
				return f
			}
		}
		switch f.Header().Type {
		case http2.FrameSettings, http2.FrameWindowUpdate, http2.FramePing:
		default:
			p.t.Fatalf("unexpected %s frame while waiting for %v", f.Header().Type, types)
		}
	}
}

func (p *serverPeer) expectClientSettingsAck() {
	p.t.Helper()
	for {
		f := p.readFrame()
		if sf, ok := f.(*http2.SettingsFrame); ok && sf.IsAck() {
			return
		}
		// keep the keepalive state machine alive if a ping races the handshake
		if pf, ok := f.(*http2.PingFrame); ok && !pf.IsAck() {
			require.NoError(p.t, p.fr.WritePing(true, pf.Data))
		}
	}
}

func (p *serverPeer) writeHeaders(streamID uint32, endStream bool, fields ...hpack.HeaderField) {
	p.t.Helper()
	p.hbuf.Reset()
	for _, f := range fields {
		require.NoError(p.t, p.henc.WriteField(f))
	}
	require.NoError(p.t, p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: bytes.Clone(p.hbuf.Bytes()),
		EndHeaders:    true,
		EndStream:     endStream,
	}))
}

func (p *serverPeer) respondOK(streamID uint32) {
	p.writeHeaders(streamID, true, hpack.HeaderField{Name: ":status", Value: "200"})
}

func startTestSession(t *testing.T, cfg Config, pool Pool, settings ...http2.Setting) (*Session, *serverPeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	sess, err := New(clientConn, PoolKey{Destination: "example.com:443"}, pool, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = serverConn.Close()
		<-runDone
	})

	return sess, newServerPeer(t, serverConn, settings...)
}

func startStream(
	t *testing.T, sess *Session, level priority.Level, d StreamDelegate,
) *Stream {
	t.Helper()
	req := NewStreamRequest(StreamKindRequestResponse, level, d)
	st, err := req.Start(context.Background(), sess, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

var testRequestFields = []hpack.HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":scheme", Value: "https"},
	{Name: ":authority", Value: "example.com"},
	{Name: ":path", Value: "/"},
}

func TestRequestResponseExchange(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.High, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))

	hf := peer.next(http2.FrameHeaders).(*http2.MetaHeadersFrame)
	a.Equal(uint32(1), hf.Header().StreamID)
	a.True(hf.StreamEnded())
	a.Equal(testRequestFields, hf.Fields)
	a.True(hf.HasPriority(), "activated streams carry a dependency")

	recv(t, d.headersSent, "headers sent")
	a.Equal(StateHalfClosedLocal, st.State())

	peer.writeHeaders(1, false, hpack.HeaderField{Name: ":status", Value: "200"},
		hpack.HeaderField{Name: "content-type", Value: "text/plain"})
	ev := recv(t, d.headers, "response headers")
	a.Equal(200, ev.status)

	require.NoError(t, peer.fr.WriteData(1, false, []byte("pong")))
	a.Equal([]byte("pong"), recv(t, d.data, "response body"))

	peer.writeHeaders(1, true, hpack.HeaderField{Name: "grpc-status", Value: "0"})
	trailers := recv(t, d.trailers, "trailers")
	a.Equal("grpc-status", trailers[0].Name)

	a.NoError(recv(t, d.closed, "stream close"))
	a.Equal(StateClosed, st.State())
	a.Equal(Available, sess.Availability())
}

func TestInformationalResponseSwallowed(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)

	peer.writeHeaders(1, false, hpack.HeaderField{Name: ":status", Value: "103"})
	expectSilent(t, d.headers, 100*time.Millisecond, "delivery of an informational response")

	peer.respondOK(1)
	a.Equal(200, recv(t, d.headers, "final response").status)
	a.NoError(recv(t, d.closed, "stream close"))
}

// A 5-byte send window splits a 10-byte body into exactly two data frames,
// the second released by a credit grant.
func TestSendWindowSplitsBody(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 5})

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.High, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, false))
	require.NoError(t, st.SendData([]byte("0123456789"), true))

	peer.next(http2.FrameHeaders)

	df := peer.next(http2.FrameData).(*http2.DataFrame)
	a.Equal([]byte("01234"), df.Data())
	a.False(df.StreamEnded(), "partial send must clear end-of-stream")
	a.Equal(5, recv(t, d.dataSent, "first chunk"))

	// no more data until the peer grants credit
	expectSilent(t, d.dataSent, 100*time.Millisecond, "send beyond the window")

	require.NoError(t, peer.fr.WriteWindowUpdate(1, 5))
	df = peer.next(http2.FrameData).(*http2.DataFrame)
	a.Equal([]byte("56789"), df.Data())
	a.True(df.StreamEnded())
	a.Equal(5, recv(t, d.dataSent, "second chunk"))

	a.Equal(StateHalfClosedLocal, st.State())
}

func TestMissingStatusResetsStreamOnly(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)

	peer.writeHeaders(1, false, hpack.HeaderField{Name: "content-type", Value: "text/plain"})

	rst := peer.next(http2.FrameRSTStream).(*http2.RSTStreamFrame)
	a.Equal(uint32(1), rst.Header().StreamID)
	a.Equal(http2.ErrCodeProtocol, rst.ErrCode)

	err := recv(t, d.closed, "stream close")
	var se StreamError
	a.ErrorAs(err, &se)
	a.Equal(http2.ErrCodeProtocol, se.Code)

	// the violation is confined to the stream
	a.Equal(Available, sess.Availability())
}

func TestMonotonicOddStreamIDs(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	for i := 0; i < 3; i++ {
		st := startStream(t, sess, priority.Medium, newRecordingDelegate())
		require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	}
	var ids []uint32
	for i := 0; i < 3; i++ {
		hf := peer.next(http2.FrameHeaders)
		ids = append(ids, hf.Header().StreamID)
	}
	a.Equal([]uint32{1, 3, 5}, ids)
}

// A shutdown notice with last-accepted 3 aborts stream 5 immediately;
// streams 1 and 3 run to completion, then the session drains.
func TestGoAwayAbortsStreamsAboveBoundary(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	pool := newCountingPool()
	sess, peer := startTestSession(t, testConfig(), pool)

	delegates := make(map[uint32]*recordingDelegate, 3)
	for i := 0; i < 3; i++ {
		d := newRecordingDelegate()
		st := startStream(t, sess, priority.Medium, d)
		require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
		id := peer.next(http2.FrameHeaders).Header().StreamID
		delegates[id] = d
	}

	require.NoError(t, peer.fr.WriteGoAway(3, http2.ErrCodeNo, []byte("maintenance")))

	err := recv(t, delegates[5].closed, "abort of stream 5")
	var ga GoAwayError
	a.ErrorAs(err, &ga)
	a.Equal(uint32(3), ga.LastStreamID)

	recv(t, pool.unavailable, "pool unavailable notification")
	a.Equal(GoingAway, sess.Availability())
	expectSilent(t, delegates[1].closed, 100*time.Millisecond, "abort of stream 1")

	// surviving streams complete naturally
	peer.respondOK(1)
	a.NoError(recv(t, delegates[1].closed, "stream 1 close"))
	peer.respondOK(3)
	a.NoError(recv(t, delegates[3].closed, "stream 3 close"))

	// then the session drains and announces its own shutdown notice
	gf := peer.next(http2.FrameGoAway).(*http2.GoAwayFrame)
	a.Equal(http2.ErrCodeNo, gf.ErrCode)
	recv(t, pool.removable, "pool removable notification")
	recv(t, sess.Done(), "session drained")
	a.Equal(Draining, sess.Availability())
}

// With max-concurrent-streams 1 the second request parks and completes only
// after the first stream closes.
func TestConcurrencyLimitQueuesRequests(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1})

	d1 := newRecordingDelegate()
	st1 := startStream(t, sess, priority.Medium, d1)

	completions := make(chan *Stream, 1)
	req2 := NewStreamRequest(StreamKindRequestResponse, priority.Medium, newRecordingDelegate())
	st2, err := req2.Start(context.Background(), sess, func(st *Stream, err error) {
		a.NoError(err)
		completions <- st
	})
	require.NoError(t, err)
	a.Nil(st2, "second request must park")
	expectSilent(t, completions, 100*time.Millisecond, "early admission")

	require.NoError(t, st1.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)
	peer.respondOK(1)
	a.NoError(recv(t, d1.closed, "first stream close"))

	st2 = recv(t, completions, "second stream admission")
	require.NoError(t, st2.SendRequestHeaders(testRequestFields, true))
	a.Equal(uint32(3), peer.next(http2.FrameHeaders).Header().StreamID)
}

func TestConnectionWindowOverflowDrains(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	pool := newCountingPool()
	sess, peer := startTestSession(t, testConfig(), pool)

	// a maximal grant on top of the default window must overflow
	require.NoError(t, peer.fr.WriteWindowUpdate(0, 1<<31-1))

	gf := peer.next(http2.FrameGoAway).(*http2.GoAwayFrame)
	a.Equal(http2.ErrCodeFlowControl, gf.ErrCode)
	recv(t, sess.Done(), "session drained")
	a.Equal(Draining, sess.Availability())
	recv(t, pool.unavailable, "pool unavailable notification")
	recv(t, pool.removable, "pool removable notification")
}

func TestZeroDeltaConnectionGrantDrains(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	var buf [4]byte
	require.NoError(t, peer.fr.WriteRawFrame(http2.FrameWindowUpdate, 0, 0, buf[:]))

	gf := peer.next(http2.FrameGoAway).(*http2.GoAwayFrame)
	a.Equal(http2.ErrCodeProtocol, gf.ErrCode)
	recv(t, sess.Done(), "session drained")
}

func TestCancelBeforeActivationSendsNothing(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	st.Cancel()
	a.NoError(recv(t, d.closed, "stream close"))

	// cancel is idempotent and must not double-notify
	st.Cancel()
	st.Close()
	expectSilent(t, d.closed, 100*time.Millisecond, "second close notification")

	// a fresh stream still gets id 1: the canceled one never activated
	st2 := startStream(t, sess, priority.Medium, newRecordingDelegate())
	require.NoError(t, st2.SendRequestHeaders(testRequestFields, true))
	a.Equal(uint32(1), peer.next(http2.FrameHeaders).Header().StreamID)
}

func TestCanceledPendingRequestNeverCompletes(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1})

	d1 := newRecordingDelegate()
	st1 := startStream(t, sess, priority.Medium, d1)

	completions := make(chan *Stream, 1)
	req2 := NewStreamRequest(StreamKindRequestResponse, priority.Medium, nil)
	st2, err := req2.Start(context.Background(), sess, func(st *Stream, err error) {
		completions <- st
	})
	require.NoError(t, err)
	require.Nil(t, st2)
	req2.Cancel()

	require.NoError(t, st1.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)
	peer.respondOK(1)
	a.NoError(recv(t, d1.closed, "first stream close"))

	expectSilent(t, completions, 200*time.Millisecond, "completion after cancellation")
}

func TestPushPromiseRejected(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	st := startStream(t, sess, priority.Medium, newRecordingDelegate())
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)

	peer.hbuf.Reset()
	require.NoError(t, peer.henc.WriteField(hpack.HeaderField{Name: ":method", Value: "GET"}))
	require.NoError(t, peer.fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      1,
		PromiseID:     2,
		BlockFragment: bytes.Clone(peer.hbuf.Bytes()),
		EndHeaders:    true,
	}))

	rst := peer.next(http2.FrameRSTStream).(*http2.RSTStreamFrame)
	a.Equal(uint32(2), rst.Header().StreamID)
	a.Equal(http2.ErrCodeRefusedStream, rst.ErrCode)
	a.Equal(Available, sess.Availability())
}

func TestKeepAlivePingAndAck(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	sess, peer := startTestSession(t, cfg, nil)

	pf := peer.next(http2.FramePing).(*http2.PingFrame)
	require.False(t, pf.IsAck())
	require.NoError(t, peer.fr.WritePing(true, pf.Data))

	// session stays healthy after the ack
	pf = peer.next(http2.FramePing).(*http2.PingFrame)
	require.False(t, pf.IsAck())
	assert.Equal(t, Available, sess.Availability())
}

func TestServerPingIsAcked(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	_, peer := startTestSession(t, testConfig(), nil)

	var payload [8]byte
	copy(payload[:], "deadbeef")
	require.NoError(t, peer.fr.WritePing(false, payload))

	pf := peer.next(http2.FramePing).(*http2.PingFrame)
	a.True(pf.IsAck())
	a.Equal(payload, pf.Data)
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	pool := newCountingPool()
	sess, peer := startTestSession(t, testConfig(), pool)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	go func() { _ = sess.Shutdown(ctx) }()
	go func() { _ = sess.Shutdown(ctx) }()

	peer.next(http2.FrameGoAway)
	recv(t, sess.Done(), "session drained")

	recv(t, pool.removable, "pool removable notification")
	expectSilent(t, pool.removable, 100*time.Millisecond, "second removable notification")
	a.Equal(Draining, sess.Availability())
}

func TestRequestAgainstDrainingSessionFails(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	require.NoError(t, peer.fr.WriteGoAway(0, http2.ErrCodeNo, nil))
	recv(t, sess.Done(), "session drained")

	req := NewStreamRequest(StreamKindRequestResponse, priority.Medium, nil)
	_, err := req.Start(context.Background(), sess, nil)
	a.ErrorIs(err, ErrSessionDraining)
}

func TestPushKindRejectedOutright(t *testing.T) {
	t.Parallel()
	sess, _ := startTestSession(t, testConfig(), nil)

	req := NewStreamRequest(StreamKindPush, priority.Medium, nil)
	_, err := req.Start(context.Background(), sess, nil)
	assert.ErrorIs(t, err, ErrPushUnsupported)
}

// Re-sending an extension setting with the same value is a legal no-op even
// when the local side never asked for it.
func TestRepeatedNoPrioritiesSettingIsNoOp(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: settingNoRFC7540Priorities, Val: 1})

	require.NoError(t, peer.fr.WriteSettings(http2.Setting{ID: settingNoRFC7540Priorities, Val: 1}))
	peer.expectClientSettingsAck()

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)
	peer.respondOK(1)
	a.NoError(recv(t, d.closed, "stream close"))
	a.Equal(Available, sess.Availability())
}

func TestNoPrioritiesFlipDrains(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: settingNoRFC7540Priorities, Val: 1})

	require.NoError(t, peer.fr.WriteSettings(http2.Setting{ID: settingNoRFC7540Priorities, Val: 0}))

	gf := peer.next(http2.FrameGoAway).(*http2.GoAwayFrame)
	a.Equal(http2.ErrCodeProtocol, gf.ErrCode)
	recv(t, sess.Done(), "session drained")
}

// Raising SETTINGS_INITIAL_WINDOW_SIZE is a credit grant: a stream stalled on
// a depleted stream window resumes without an explicit per-stream update.
func TestSettingsWindowIncreaseResumesStalledStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil,
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.High, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, false))
	require.NoError(t, st.SendData([]byte("hello"), true))

	peer.next(http2.FrameHeaders)
	expectSilent(t, d.dataSent, 100*time.Millisecond, "send against a zero window")

	require.NoError(t, peer.fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 100}))

	df := peer.next(http2.FrameData).(*http2.DataFrame)
	a.Equal([]byte("hello"), df.Data())
	a.True(df.StreamEnded())
	a.Equal(5, recv(t, d.dataSent, "resumed chunk"))
	a.Equal(Available, sess.Availability())
}

// A Cancel landing between a queued request's promotion and its completion
// callback wins: the callback never fires and the promoted stream, which the
// caller never saw, is dropped without a close notification.
func TestCancelAfterPromotionSuppressesCallback(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, _ := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	fired := false
	req := NewStreamRequest(StreamKindRequestResponse, priority.Medium, d)
	req.sess = sess
	req.callback = func(*Stream, error) { fired = true }

	// what promotion does under the session lock
	sess.mu.Lock()
	req.completed = true
	st := sess.newStreamLocked(req)
	sess.mu.Unlock()

	req.Cancel()
	req.complete(st, nil)

	a.False(fired, "completion callback fired after cancellation")
	a.Equal(StateClosed, st.State())
	expectSilent(t, d.closed, 100*time.Millisecond, "close notification for an unseen stream")

	sess.mu.Lock()
	a.Empty(sess.created, "canceled stream must not hold a concurrency slot")
	sess.mu.Unlock()
}

func TestSendDataAfterEndOfStreamRejected(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	sess, peer := startTestSession(t, testConfig(), nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, false))
	require.NoError(t, st.SendData([]byte("body"), true))

	// the end marker holds even while the bytes sit behind the send cursor
	a.ErrorIs(st.SendData([]byte("more"), false), ErrStreamClosed)
	a.ErrorIs(st.SendData(nil, true), ErrStreamClosed)

	peer.next(http2.FrameHeaders)
	df := peer.next(http2.FrameData).(*http2.DataFrame)
	a.Equal([]byte("body"), df.Data())
	a.True(df.StreamEnded())
	a.Equal(Available, sess.Availability())
}

// An unanswered ping tears the session down one KeepAliveTimeout after it
// went out, independent of the ping interval.
func TestKeepAliveTimeoutDrains(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.KeepAliveTimeout = 50 * time.Millisecond
	pool := newCountingPool()
	sess, peer := startTestSession(t, cfg, pool)

	pf := peer.next(http2.FramePing).(*http2.PingFrame)
	require.False(t, pf.IsAck())

	// no ack: the session must give up on its own
	recv(t, sess.Done(), "session drained")
	a.Equal(Draining, sess.Availability())
	recv(t, pool.unavailable, "pool unavailable notification")
	recv(t, pool.removable, "pool removable notification")
}

// Padding recredit never targets a stream the carrying frame just closed.
func TestPaddedFinalFrameGrantsNoStreamCredit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	cfg := testConfig()
	cfg.InitialWindowSize = 100 // padding alone crosses the grant threshold
	sess, peer := startTestSession(t, cfg, nil)

	d := newRecordingDelegate()
	st := startStream(t, sess, priority.Medium, d)
	require.NoError(t, st.SendRequestHeaders(testRequestFields, true))
	peer.next(http2.FrameHeaders)

	peer.writeHeaders(1, false, hpack.HeaderField{Name: ":status", Value: "200"})
	recv(t, d.headers, "response headers")

	pad := make([]byte, 64)
	require.NoError(t, peer.fr.WriteDataPadded(1, true, []byte("tail"), pad))
	a.Equal([]byte("tail"), recv(t, d.data, "final body chunk"))
	a.NoError(recv(t, d.closed, "stream close"))

	// nothing may follow, in particular no credit grant for the dead stream
	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	f, err := peer.fr.ReadFrame()
	require.Error(t, err, "unexpected %v frame after the closing data frame", f)
	a.Equal(Available, sess.Availability())
}
