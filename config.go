package chatsync

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Session and the components it owns.
type Config struct {
	// GatewayURL is the websocket endpoint of the messaging gateway.
	// http(s) schemes are rewritten to ws(s).
	GatewayURL string
	// Token is the session credential. It is sent as a bearer header on the
	// upgrade request and is fixed for the life of a connection.
	Token string
	// SelfID is the signed-in user. Typing events from SelfID are ignored.
	SelfID int64

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	DialTimeout          time.Duration
	// HeartbeatInterval below zero disables pings.
	HeartbeatInterval time.Duration

	// OutboundQueueSize bounds the frames kept while not connected.
	// Zero drops them. When full the oldest frame is discarded.
	OutboundQueueSize int
	// SendRate and SendBurst limit push-path frames per second.
	SendRate  float64
	SendBurst int

	// TypingIdle is how long after the last keystroke typing=false is sent.
	TypingIdle time.Duration
	// RemoteTypingTTL expires remote typing entries whose stop event was lost.
	RemoteTypingTTL time.Duration

	HTTPClient *http.Client
	Dialer     Dialer
	Directory  UserDirectory
	Logger     *zerolog.Logger
}

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultSendRate             = 20
	DefaultTypingIdle           = 2 * time.Second
	DefaultRemoteTypingTTL      = 10 * time.Second
)

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendRate == 0 {
		c.SendRate = DefaultSendRate
	}
	if c.SendBurst == 0 {
		c.SendBurst = int(c.SendRate * 2)
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	if c.RemoteTypingTTL == 0 {
		c.RemoteTypingTTL = DefaultRemoteTypingTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{HTTPClient: c.HTTPClient}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Clock
// ============================================================================

// clock is the time source of every timer-driven component. Tests replace it.
type clock struct {
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

func realClock() clock {
	return clock{
		now: time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}
