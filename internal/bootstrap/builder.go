// Package bootstrap runs the one-time setup exchange that builds the field topology before the
// first simulated day.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/protocol"
)

var (
	ErrAlreadyUsed = errors.New("bootstrap session already completed")
	ErrRejected    = errors.New("controller rejected setup")
)

// Registrar records fields created during setup.
type Registrar interface {
	Register(name string, params map[string]string, irrigator engine.Irrigator) int
}

// Builder clones the template zone on request of the setup controller.
type Builder struct {
	topology engine.Topology
	registry Registrar
	template string
	metrics  *metrics.Metrics

	mu      sync.Mutex
	used    bool
	counter int
}

func NewBuilder(topology engine.Topology, registry Registrar, template string, m *metrics.Metrics) *Builder {
	return &Builder{
		topology: topology,
		registry: registry,
		template: template,
		metrics:  m,
	}
}

// Serve accepts one controller on ln and runs setup with it.
func (b *Builder) Serve(ctx context.Context, ln channel.Listener) error {
	log.WithField("endpoint", ln.Addr()).Info("waiting for setup controller")
	conn, err := ln.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept setup controller: %w", err)
	}
	return b.Run(ctx, conn)
}

// Run performs the setup exchange on conn and closes it. It can only run once.
func (b *Builder) Run(ctx context.Context, conn channel.Conn) error {
	defer conn.Close()

	b.mu.Lock()
	if b.used {
		b.mu.Unlock()
		return ErrAlreadyUsed
	}
	b.used = true
	b.mu.Unlock()

	logger := log.WithField("session", conn.ID())
	template, err := b.topology.Find(b.template)
	if err != nil {
		return fmt.Errorf("find template %s: %w", b.template, err)
	}

	reply, err := channel.Request(ctx, conn, protocol.Frame(protocol.SetupConnect))
	if err != nil {
		return domain.WrapError(domain.ErrorKindTransport, err, "setup connect")
	}
	if len(reply) != 1 || string(reply[0]) != protocol.Reply {
		return fmt.Errorf("%w: connect answered with %q", ErrRejected, reply)
	}
	if err := conn.Send(ctx, protocol.Frame(protocol.SetupSetup)); err != nil {
		return domain.WrapError(domain.ErrorKindTransport, err, "setup")
	}

	for {
		frames, err := conn.Receive(ctx)
		if errors.Is(err, channel.ErrMalformed) {
			b.metrics.FramingError()
			logger.WithError(err).Warn("ignoring malformed setup message")
			continue
		}
		if err != nil {
			return domain.WrapError(domain.ErrorKindTransport, err, "setup")
		}

		keyword := string(frames[0])
		if keyword == protocol.SetupEnergize {
			if err := b.topology.Disable(template); err != nil {
				return fmt.Errorf("disable template: %w", err)
			}
			if err := conn.Send(ctx, protocol.Frame(protocol.SetupReady)); err != nil {
				return domain.WrapError(domain.ErrorKindTransport, err, "energize")
			}
			b.metrics.Command("setup", keyword, nil)
			logger.WithField("fields", b.created()).Info("setup complete")
			return nil
		}

		out, cmdErr := b.handle(template, keyword, frames[1:])
		b.metrics.Command("setup", keyword, cmdErr)
		if cmdErr != nil {
			logger.WithError(cmdErr).WithField("command", keyword).Warn("setup command failed")
			out = protocol.ErrorFrame(cmdErr)
		}
		if err := conn.Send(ctx, out); err != nil {
			return domain.WrapError(domain.ErrorKindTransport, err, keyword)
		}
	}
}

func (b *Builder) handle(template engine.NodeRef, keyword string, args [][]byte) ([]byte, error) {
	switch keyword {
	case protocol.SetupFields:
		if len(args) != 1 {
			return nil, domain.ProtocolError("fields expects a count")
		}
		n, err := protocol.DecodeInt32(args[0])
		if err != nil {
			return nil, domain.WrapError(domain.ErrorKindProtocol, err, "fields count")
		}
		if n < 0 {
			return nil, domain.ProtocolError("fields count must not be negative: %d", n)
		}
		for i := int32(0); i < n; i++ {
			if _, err := b.addField(template, nil); err != nil {
				return nil, err
			}
		}
		return protocol.Frame(protocol.Reply), nil
	case protocol.SetupField:
		params, err := parseParams(args)
		if err != nil {
			return nil, err
		}
		idx, err := b.addField(template, params)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeInt32(int32(idx)), nil
	}
	return nil, domain.ProtocolError("unknown setup command")
}

// addField clones the template as Field<n>, applies params and registers the clone.
func (b *Builder) addField(template engine.NodeRef, params map[string]string) (int, error) {
	if name := nameParam(params); name != "" {
		if _, err := b.topology.Find(name); err == nil {
			return 0, domain.NewError(domain.ErrorKindDomain, "a model named %s already exists", name)
		}
	}

	b.mu.Lock()
	name := fmt.Sprintf("Field%d", b.counter)
	b.mu.Unlock()

	clone, err := b.topology.Clone(template, name)
	if err != nil {
		return 0, domain.WrapError(domain.ErrorKindDomain, err, "clone "+name)
	}
	if len(params) > 0 {
		if err := b.topology.Configure(clone, params); err != nil {
			b.discard(clone, name)
			return 0, domain.WrapError(domain.ErrorKindDomain, err, "configure "+name)
		}
	}
	irrigator, err := b.topology.Irrigator(clone)
	if err != nil {
		b.discard(clone, name)
		return 0, domain.WrapError(domain.ErrorKindDomain, err, name)
	}
	b.mu.Lock()
	b.counter++
	b.mu.Unlock()
	idx := b.registry.Register(clone.Name(), params, irrigator)
	log.WithFields(log.Fields{"field": clone.Name(), "index": idx}).Debug("field registered")
	return idx, nil
}

// discard drops a clone that could not be registered so its name can be reused. A clone
// that cannot be removed is disabled and its name skipped.
func (b *Builder) discard(clone engine.NodeRef, name string) {
	err := b.topology.Remove(clone)
	if err == nil {
		return
	}
	log.WithError(err).WithField("field", name).Warn("failed to remove rejected field")
	if derr := b.topology.Disable(clone); derr != nil {
		log.WithError(derr).WithField("field", name).Warn("failed to disable rejected field")
	}
	b.mu.Lock()
	b.counter++
	b.mu.Unlock()
}

func (b *Builder) created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter
}

// parseParams reads "key,value" frames.
func parseParams(args [][]byte) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(string(arg), ",")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, domain.ProtocolError("field parameter %q is not key,value", arg)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}

func nameParam(params map[string]string) string {
	for k, v := range params {
		if strings.EqualFold(k, "name") {
			return v
		}
	}
	return ""
}
