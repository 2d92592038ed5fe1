package session

import (
	"fmt"
	"time"

	"github.com/ozontech/h2mux/consts"
)

// Config is the full set of knobs a session recognizes. Zero values fall
// back to the defaults below; Validate rejects values the protocol forbids.
type Config struct {
	// Initial settings advertised to the peer.
	HeaderTableSize   uint32
	InitialWindowSize uint32 // per-stream receive window
	MaxFrameSize      uint32
	MaxHeaderListSize uint32

	// DisableRFC7540Priorities advertises the newer priority signaling and,
	// when the peer agrees in its first settings frame, disables
	// dependency-tree frames for the rest of the session.
	DisableRFC7540Priorities bool

	// EnableConnectProtocol advertises support for extended CONNECT, used
	// to bootstrap secondary protocols over a stream.
	EnableConnectProtocol bool

	// MaxRecvWindow is the connection-scope receive window target.
	MaxRecvWindow int32

	// MaxQueuedControlFrames bounds the control band of the write queue;
	// exceeding it drains the session.
	MaxQueuedControlFrames int

	// KeepAliveInterval is how often a liveness ping goes out;
	// KeepAliveTimeout is how long an unanswered ping is tolerated.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// WindowFlushInterval bounds how long consumed-but-unadvertised receive
	// credit may sit below the half-window threshold before it is granted
	// back anyway.
	WindowFlushInterval time.Duration

	// ConfirmHandshakeBeforeStreams delays stream admission until the
	// transport handshake is confirmed (no early data).
	ConfirmHandshakeBeforeStreams bool
}

func DefaultConfig() Config {
	return Config{
		HeaderTableSize:        consts.DefaultHeaderTableSize,
		InitialWindowSize:      consts.DefaultInitialWindowSize,
		MaxFrameSize:           consts.DefaultMaxFrameSize,
		MaxHeaderListSize:      consts.DefaultMaxHeaderListSize,
		MaxRecvWindow:          consts.DefaultMaxRecvWindow,
		MaxQueuedControlFrames: consts.DefaultMaxQueuedControl,
		KeepAliveInterval:      consts.DefaultKeepAliveInterval,
		KeepAliveTimeout:       consts.DefaultKeepAliveTimeout,
		WindowFlushInterval:    consts.DefaultWindowFlushInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = d.HeaderTableSize
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = d.InitialWindowSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = d.MaxHeaderListSize
	}
	if c.MaxRecvWindow == 0 {
		c.MaxRecvWindow = d.MaxRecvWindow
	}
	// the connection window can only be grown from the protocol default
	if c.MaxRecvWindow < consts.DefaultInitialWindowSize {
		c.MaxRecvWindow = consts.DefaultInitialWindowSize
	}
	if c.MaxQueuedControlFrames == 0 {
		c.MaxQueuedControlFrames = d.MaxQueuedControlFrames
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if c.WindowFlushInterval == 0 {
		c.WindowFlushInterval = d.WindowFlushInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxFrameSize != 0 && (c.MaxFrameSize < 16_384 || c.MaxFrameSize > 1<<24-1) {
		return fmt.Errorf("max frame size %d out of protocol range", c.MaxFrameSize)
	}
	if c.InitialWindowSize > consts.MaxWindowSize {
		return fmt.Errorf("initial window size %d exceeds 2^31-1", c.InitialWindowSize)
	}
	if c.MaxRecvWindow < 0 || int64(c.MaxRecvWindow) < int64(c.InitialWindowSize) {
		return fmt.Errorf("max receive window %d below initial stream window", c.MaxRecvWindow)
	}
	return nil
}

// PoolKey identifies what a session connects to. The core never interprets
// it; the pool uses it to match requests to sessions.
type PoolKey struct {
	Destination  string
	ProxyChain   string
	PrivacyMode  bool
	IsolationKey string
}

func (k PoolKey) String() string {
	s := k.Destination
	if k.ProxyChain != "" {
		s += " via " + k.ProxyChain
	}
	if k.PrivacyMode {
		s += " (private)"
	}
	return s
}

// Pool is notified of availability transitions so it can stop routing new
// requests to the session and eventually remove it.
type Pool interface {
	OnSessionUnavailable(*Session)
	OnSessionRemovable(*Session)
}

// NoopPool is a Pool for sessions managed by hand.
type NoopPool struct{}

func (NoopPool) OnSessionUnavailable(*Session) {}
func (NoopPool) OnSessionRemovable(*Session)   {}
