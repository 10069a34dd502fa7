package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

const wsWriteWait = 10 * time.Second

// wsConn carries one message per binary websocket message. A text message is taken as a
// single text frame, which keeps hand-driven sessions usable.
type wsConn struct {
	id   string
	conn *websocket.Conn

	rmu sync.Mutex
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(MaxMessageSize)
	return &wsConn{
		id:   newSessionID(),
		conn: ws,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(ctx context.Context, frames ...[]byte) error {
	if len(frames) == 0 {
		return ErrEmptyMessage
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	done := watchDeadline(ctx, c.conn.SetWriteDeadline)
	defer done()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(frames)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.transportError("write", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([][]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	done := watchDeadline(ctx, c.conn.SetReadDeadline)
	defer done()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transportError("read", err)
	}
	if messageType == websocket.TextMessage {
		if len(data) == 0 {
			return nil, ErrEmptyMessage
		}
		return [][]byte{data}, nil
	}
	return DecodeMessage(data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) transportError(op string, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Acceptor upgrades HTTP requests to websocket sessions and hands them to Accept.
// Its Handle method is mounted as an echo route.
type Acceptor struct {
	upgrader websocket.Upgrader
	conns    chan Conn
	done     chan struct{}
	once     sync.Once
	addr     string
}

// NewAcceptor creates an acceptor; addr is reported by Addr.
func NewAcceptor(addr string) *Acceptor {
	return &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Controllers are not browsers.
				return true
			},
		},
		conns: make(chan Conn),
		done:  make(chan struct{}),
		addr:  addr,
	}
}

// Handle upgrades the request and blocks until the session is accepted or the acceptor closes.
func (a *Acceptor) Handle(c echo.Context) error {
	ws, err := a.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("Failed to upgrade websocket: %v", err)
		return err
	}

	conn := newWSConn(ws)
	select {
	case a.conns <- conn:
	case <-a.done:
		conn.Close()
	case <-c.Request().Context().Done():
		conn.Close()
	}
	return nil
}

func (a *Acceptor) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-a.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Acceptor) Close() error {
	a.once.Do(func() {
		close(a.done)
	})
	return nil
}

func (a *Acceptor) Addr() string {
	return a.addr
}

// wsListener is an acceptor served by its own echo instance.
type wsListener struct {
	*Acceptor
	server *http.Server
}

func listenWS(hostport, path string) (*wsListener, error) {
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", hostport, err)
	}

	acceptor := NewAcceptor(SchemeWS + "://" + ln.Addr().String() + path)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET(path, acceptor.Handle)

	server := &http.Server{Handler: e}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Websocket endpoint %s stopped: %v", acceptor.Addr(), err)
		}
	}()

	return &wsListener{Acceptor: acceptor, server: server}, nil
}

func (l *wsListener) Close() error {
	l.Acceptor.Close()
	return l.server.Close()
}
