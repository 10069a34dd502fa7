package channel

import (
	"context"
	"sync"
)

const pipeBuffer = 16

// Pipe returns two connected in-memory sessions. Messages sent on one are received on the other.
func Pipe() (Conn, Conn) {
	ab := make(chan [][]byte, pipeBuffer)
	ba := make(chan [][]byte, pipeBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeConn{id: newSessionID(), in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &pipeConn{id: newSessionID(), in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

type pipeConn struct {
	id         string
	in         <-chan [][]byte
	out        chan<- [][]byte
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

func (p *pipeConn) ID() string {
	return p.id
}

func (p *pipeConn) Send(ctx context.Context, frames ...[]byte) error {
	if len(frames) == 0 {
		return ErrEmptyMessage
	}
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	default:
	}

	select {
	case p.out <- copyFrames(frames):
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([][]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case frames := <-p.in:
		return frames, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerClosed:
		// Deliver anything the peer sent before closing.
		select {
		case frames := <-p.in:
			return frames, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}
