package consts

import (
	"math"
	"time"
)

const (
	ReceiveBufferSize = 32 * 1024
	WriteBufferChunks = 64

	DefaultInitialWindowSize   = 65_535
	DefaultMaxFrameSize        = 16_384 // minimal value allowed by the protocol; peers may raise it via settings
	DefaultMaxHeaderListSize   = math.MaxUint32
	DefaultHeaderTableSize     = 4_096
	DefaultMaxConcurrentLimit  = 256 // hard ceiling applied on top of the peer-advertised value
	DefaultMaxRecvWindow       = 10 * DefaultInitialWindowSize
	DefaultMaxQueuedControl    = 10_000
	DefaultKeepAliveInterval   = 45 * time.Second
	DefaultKeepAliveTimeout    = 10 * time.Second
	DefaultWindowFlushInterval = time.Second

	// MaxWindowSize is the largest value a flow-control window may hold (2^31-1).
	MaxWindowSize = 1<<31 - 1

	// MaxStreamID is the last usable client stream id. Activating a stream
	// past this point exhausts the id space and the session must go away.
	MaxStreamID = math.MaxUint32>>1 - 1
)
