package channel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one session: a bidirectional, ordered exchange of multi-part messages.
// Send and Receive block without a built-in timeout; a caller context may bound them.
type Conn interface {
	Send(ctx context.Context, frames ...[]byte) error
	Receive(ctx context.Context) ([][]byte, error)
	Close() error
	ID() string
}

// Listener accepts sessions on a bound endpoint.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	// Addr returns a dialable endpoint for the bound address.
	Addr() string
}

// Endpoint schemes.
const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// ParseEndpoint normalizes an endpoint string. Bare host:port values are treated as TCP.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = SchemeTCP + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeWS, SchemeWSS:
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u, nil
}

// Listen binds an endpoint and returns a listener for incoming sessions.
func Listen(endpoint string) (Listener, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeTCP:
		return listenTCP(u.Host)
	case SchemeWS:
		return listenWS(u.Host, u.Path)
	default:
		return nil, fmt.Errorf("cannot listen on %s endpoints", u.Scheme)
	}
}

// Dial opens a session to a remote endpoint.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeTCP:
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return newStreamConn(c), nil
	default:
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return newWSConn(ws), nil
	}
}

func newSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}

// watchDeadline makes a blocking read or write return when ctx is done.
// The returned func must be called once the operation completes.
func watchDeadline(ctx context.Context, set func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = set(time.Now())
	})
	return func() {
		if !stop() {
			// the deadline was set or is being set; clear it only afterwards
			<-fired
			_ = set(time.Time{})
		}
	}
}

// Request sends one message and waits for the peer's reply.
func Request(ctx context.Context, c Conn, frames ...[]byte) ([][]byte, error) {
	if err := c.Send(ctx, frames...); err != nil {
		return nil, err
	}
	return c.Receive(ctx)
}
