package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// streamConn carries messages over a byte stream, each prefixed with its body length.
type streamConn struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader

	rmu sync.Mutex
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{
		id:     newSessionID(),
		conn:   c,
		reader: bufio.NewReader(c),
	}
}

func (c *streamConn) ID() string {
	return c.id
}

func (c *streamConn) Send(ctx context.Context, frames ...[]byte) error {
	if len(frames) == 0 {
		return ErrEmptyMessage
	}
	body := EncodeMessage(frames)
	if len(body) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(body))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	done := watchDeadline(ctx, c.conn.SetWriteDeadline)
	defer done()

	buf := make([]byte, 0, 4+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if _, err := c.conn.Write(buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.transportError("write", err)
	}
	return nil
}

func (c *streamConn) Receive(ctx context.Context) ([][]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	done := watchDeadline(ctx, c.conn.SetReadDeadline)
	defer done()

	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transportError("read", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		// The stream cannot be resynchronized past a bogus length.
		return nil, fmt.Errorf("read: message of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transportError("read", err)
	}
	return DecodeMessage(body)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) transportError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// tcpListener accepts stream sessions, following the accept loop of an RPC server.
type tcpListener struct {
	ln net.Listener
}

func listenTCP(addr string) (*tcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{conn: c, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return newStreamConn(r.conn), nil
	case <-ctx.Done():
		// Closing unblocks the pending Accept; the listener is not reusable afterwards.
		_ = l.ln.Close()
		r := <-ch
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *tcpListener) Addr() string {
	return SchemeTCP + "://" + l.ln.Addr().String()
}
