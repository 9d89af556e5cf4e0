package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// Close codes used by the connection.
const (
	CloseNormal    = int(websocket.StatusNormalClosure)
	CloseGoingAway = int(websocket.StatusGoingAway)
	CloseAbnormal  = int(websocket.StatusAbnormalClosure)
)

// Transport is one established bidirectional connection to the gateway.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Dialer opens a Transport. The credential travels as a connection-level
// property, never in the endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Transport, error)
}

// WebsocketDialer dials the gateway over websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size in bytes. Zero keeps the library default.
	ReadLimit int64
}

// Dial connects and authenticates with a bearer header on the upgrade request.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, gatewayURL(endpoint), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// closeCode extracts the websocket close code from a read error. Errors that
// carry no close frame count as abnormal closure.
func closeCode(err error) int {
	if code := websocket.CloseStatus(err); code != -1 {
		return int(code)
	}
	return CloseAbnormal
}

// gatewayURL rewrites http(s) endpoints to ws(s).
func gatewayURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// credentialUsable reports whether token can authenticate a connection.
// Opaque tokens are accepted as is; a JWT whose exp claim has passed is not.
func credentialUsable(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return false
	}
	return true
}
