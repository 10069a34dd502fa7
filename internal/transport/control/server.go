package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/metrics"
)

// Mode selects the per-connection loop shape.
type Mode string

const (
	// ModePersistent serves messages until the controller disconnects.
	ModePersistent Mode = "persistent"
	// ModeStateless answers one message and closes the connection.
	ModeStateless Mode = "stateless"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePersistent, ModeStateless:
		return Mode(s), nil
	case "":
		return ModePersistent, nil
	}
	return "", fmt.Errorf("unknown control mode %q", s)
}

// Server accepts controller sessions and hands each message to the Handler.
type Server struct {
	listener channel.Listener
	handler  *Handler
	mode     Mode
	metrics  *metrics.Metrics
	done     chan struct{}

	mu    sync.Mutex
	conns map[string]channel.Conn
	wg    sync.WaitGroup
}

func NewServer(ln channel.Listener, handler *Handler, mode Mode, m *metrics.Metrics) *Server {
	return &Server{
		listener: ln,
		handler:  handler,
		mode:     mode,
		metrics:  m,
		done:     make(chan struct{}),
		conns:    make(map[string]channel.Conn),
	}
}

// Addr is the dialable endpoint of the server.
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// Serve accepts sessions until the listener closes or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.done)
	log.WithFields(log.Fields{"endpoint": s.listener.Addr(), "mode": s.mode}).Info("control server listening")
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("control accept error")
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn channel.Conn) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
}

func (s *Server) untrack(conn channel.Conn) {
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn channel.Conn) {
	logger := log.WithField("session", conn.ID())
	logger.Debug("controller connected")
	for {
		frames, err := conn.Receive(ctx)
		if errors.Is(err, channel.ErrMalformed) {
			s.metrics.FramingError()
			logger.WithError(err).Warn("ignoring malformed message")
			continue
		}
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				logger.Debug("controller disconnected")
			} else {
				logger.WithError(err).Warn("control session failed")
			}
			return
		}

		reply := s.handler.Handle(ctx, frames)
		if err := conn.Send(ctx, reply); err != nil {
			logger.WithError(err).Warn("failed to send reply")
			return
		}
		if s.mode == ModeStateless {
			return
		}
	}
}

// Shutdown stops accepting sessions, closes open ones and waits for their loops to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.listener.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-s.done
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
