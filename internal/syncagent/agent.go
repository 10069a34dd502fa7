// Package syncagent implements the in-simulation synchronization agent: at the end of every
// simulated day it stalls the worker and serves get/set/do commands from a controller until
// told to resume.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/policy"
	"github.com/xiaot623/simlink/internal/protocol"
)

// State is the agent's session state.
type State string

const (
	StateIdle   State = "idle"
	StateOpen   State = "open"
	StatePaused State = "paused"
	StateClosed State = "closed"
)

var errUnexpectedCommand = errors.New("unexpected command")

// PauseListener is told when the agent stalls and releases the worker.
type PauseListener interface {
	Pause(ctx context.Context, owner domain.PauseOwner) error
	Resumed()
}

// Dialer opens the synchronization session.
type Dialer func(ctx context.Context, endpoint string) (channel.Conn, error)

type Options struct {
	// Endpoint of the synchronization controller. Empty disables the daily exchange.
	Endpoint string
	Dial     Dialer
	Policy   *policy.Engine
	Listener PauseListener
	Metrics  *metrics.Metrics
}

type field struct {
	domain.Field
	irrigator engine.Irrigator
}

// Agent is registered on the engine's lifecycle events.
type Agent struct {
	vars     engine.Variables
	clock    engine.Clock
	endpoint string
	dial     Dialer
	policy   *policy.Engine
	listener PauseListener
	metrics  *metrics.Metrics

	mu     sync.Mutex
	fields []field
	queue  []domain.IrrigationCommand
	conn   channel.Conn
	state  State
}

func New(vars engine.Variables, clock engine.Clock, opts Options) *Agent {
	dial := opts.Dial
	if dial == nil {
		dial = channel.Dial
	}
	return &Agent{
		vars:     vars,
		clock:    clock,
		endpoint: opts.Endpoint,
		dial:     dial,
		policy:   opts.Policy,
		listener: opts.Listener,
		metrics:  opts.Metrics,
		state:    StateIdle,
	}
}

// Attach subscribes the agent to the engine's lifecycle.
func (a *Agent) Attach(lc engine.Lifecycle) {
	lc.On(engine.StartOfSimulation, a.start)
	lc.On(engine.DoManagement, a.drain)
	lc.On(engine.EndOfDay, a.endOfDay)
	lc.On(engine.EndOfSimulation, a.finish)
}

// Register adds a field and returns its index.
func (a *Agent) Register(name string, params map[string]string, irrigator engine.Irrigator) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.fields)
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	a.fields = append(a.fields, field{
		Field:     domain.Field{Index: idx, Name: name, Params: cp},
		irrigator: irrigator,
	})
	a.metrics.SetFields(len(a.fields))
	return idx
}

// Fields lists the registered fields in index order.
func (a *Agent) Fields() []domain.Field {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Field, len(a.fields))
	for i, f := range a.fields {
		out[i] = f.Field
	}
	return out
}

// Enqueue queues an irrigation for the next management step. Amounts that are not positive
// are ignored.
func (a *Agent) Enqueue(cmd domain.IrrigationCommand) bool {
	if !(cmd.Amount > 0) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, cmd)
	return true
}

func (a *Agent) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) start(ctx context.Context) error {
	a.mu.Lock()
	a.queue = nil
	a.mu.Unlock()
	if a.endpoint == "" {
		return nil
	}
	conn, err := a.dial(ctx, a.endpoint)
	if err != nil {
		return domain.WrapError(domain.ErrorKindTransport, err, "open synchronization session")
	}
	a.mu.Lock()
	a.conn = conn
	a.state = StateOpen
	a.mu.Unlock()
	log.WithFields(log.Fields{"session": conn.ID(), "endpoint": a.endpoint}).Info("synchronization session opened")
	return nil
}

// drain applies queued irrigation in FIFO order.
func (a *Agent) drain(context.Context) error {
	a.mu.Lock()
	queue := a.queue
	a.queue = nil
	fields := a.fields
	a.mu.Unlock()

	for _, cmd := range queue {
		if cmd.Field < 0 || cmd.Field >= len(fields) {
			log.WithFields(log.Fields{"field": cmd.Field, "amount": cmd.Amount}).Warn("irrigation for unknown field dropped")
			continue
		}
		f := fields[cmd.Field]
		if err := f.irrigator.Apply(cmd.Amount); err != nil {
			log.WithError(err).WithField("field", f.Name).Warn("irrigation failed")
			continue
		}
		log.WithFields(log.Fields{"field": f.Name, "amount": cmd.Amount}).Debug("irrigation applied")
	}
	return nil
}

func (a *Agent) session() channel.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// endOfDay stalls the worker until the controller sends resume.
func (a *Agent) endOfDay(ctx context.Context) error {
	conn := a.session()
	if conn == nil {
		return nil
	}
	if a.listener != nil {
		if err := a.listener.Pause(ctx, domain.PauseOwnerAgent); err != nil {
			return err
		}
		defer a.listener.Resumed()
	}
	a.setState(StatePaused)

	logger := log.WithFields(log.Fields{"session": conn.ID(), "date": a.clock.Today().Format("2006-01-02")})
	logger.Debug("paused")
	if err := conn.Send(ctx, protocol.Frame(protocol.SyncPaused)); err != nil {
		return a.fail(err)
	}
	for {
		frames, err := conn.Receive(ctx)
		if errors.Is(err, channel.ErrMalformed) {
			a.metrics.FramingError()
			logger.WithError(err).Warn("ignoring malformed message")
			continue
		}
		if err != nil {
			return a.fail(err)
		}
		if string(frames[0]) == protocol.SyncResume {
			a.metrics.Command("inner", protocol.SyncResume, nil)
			a.setState(StateOpen)
			logger.Debug("resumed")
			return nil
		}
		reply, cmdErr := a.handle(ctx, frames)
		a.metrics.Command("inner", string(frames[0]), cmdErr)
		if cmdErr != nil {
			logger.WithError(cmdErr).WithField("command", string(frames[0])).Warn("synchronization command failed")
			reply = protocol.ErrorFrame(cmdErr)
		}
		if err := conn.Send(ctx, reply); err != nil {
			return a.fail(err)
		}
	}
}

// finish reports the end of the simulation and waits for the acknowledgement.
func (a *Agent) finish(ctx context.Context) error {
	conn := a.session()
	if conn == nil {
		return nil
	}
	defer a.close()
	if ctx.Err() != nil {
		return nil
	}
	reply, err := channel.Request(ctx, conn, protocol.Frame(protocol.SyncFinished))
	if err != nil {
		return domain.WrapError(domain.ErrorKindTransport, err, "finish synchronization session")
	}
	if len(reply) != 1 || string(reply[0]) != protocol.Reply {
		return domain.ProtocolError("expected %q after %q, got %q", protocol.Reply, protocol.SyncFinished, reply)
	}
	return nil
}

func (a *Agent) fail(err error) error {
	a.close()
	return domain.WrapError(domain.ErrorKindTransport, err, "synchronization session")
}

func (a *Agent) close() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.state = StateClosed
	a.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("closing synchronization session")
		}
		log.WithField("session", conn.ID()).Info("synchronization session closed")
	}
}

// handle serves one command other than resume and returns the reply frame.
func (a *Agent) handle(ctx context.Context, frames [][]byte) ([]byte, error) {
	switch string(frames[0]) {
	case protocol.SyncDo:
		return a.do(frames[1:])
	case protocol.SyncSet:
		if len(frames) != 3 {
			return nil, domain.ProtocolError("set expects a path and a value")
		}
		return a.set(ctx, string(frames[1]), frames[2])
	case protocol.SyncGet:
		if len(frames) != 2 {
			return nil, domain.ProtocolError("get expects a path")
		}
		return a.get(string(frames[1]))
	}
	return nil, domain.WrapError(domain.ErrorKindProtocol, errUnexpectedCommand, string(frames[0]))
}

func (a *Agent) do(args [][]byte) ([]byte, error) {
	if len(args) == 0 {
		return nil, domain.ProtocolError("do expects a sub-command")
	}
	switch string(args[0]) {
	case protocol.DoApplyIrrigation:
		named, err := protocol.ParseNamedArgs(args[1:])
		if err != nil {
			return nil, domain.WrapError(domain.ErrorKindProtocol, err, protocol.DoApplyIrrigation)
		}
		amount, err := toFloat(named[protocol.ArgAmount])
		if err != nil {
			return nil, domain.WrapError(domain.ErrorKindProtocol, err, protocol.ArgAmount)
		}
		idx, err := toInt(named[protocol.ArgField])
		if err != nil {
			return nil, domain.WrapError(domain.ErrorKindProtocol, err, protocol.ArgField)
		}
		a.Enqueue(domain.IrrigationCommand{Field: idx, Amount: amount})
		return protocol.Frame(protocol.Reply), nil
	case protocol.DoTerminate:
		a.clock.EndToday()
		return protocol.Frame(protocol.Reply), nil
	}
	return nil, domain.ProtocolError("unknown do command %q", args[0])
}

func (a *Agent) set(ctx context.Context, path string, payload []byte) ([]byte, error) {
	value, err := protocol.DecodeValue(payload)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindProtocol, err, path)
	}
	h, err := a.vars.Resolve(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	if err := a.policy.Check(ctx, policy.Mutation{Source: policy.SourceInner, Command: protocol.SyncSet, Path: h.Canonical(), Value: value}); err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	if err := a.vars.Set(h, value); err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	return protocol.Frame(protocol.Reply), nil
}

func (a *Agent) get(path string) ([]byte, error) {
	h, err := a.vars.Resolve(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	value, err := a.vars.Get(h)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	if value == nil {
		return protocol.Frame(protocol.NA), nil
	}
	payload, err := protocol.EncodeValue(engine.DeepCopy(value))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, path)
	}
	return payload, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case nil:
		return 0, fmt.Errorf("missing")
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

func toInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case uint64:
		if x > math.MaxInt32 {
			return 0, fmt.Errorf("%d is out of range", x)
		}
		return int(x), nil
	case int:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case nil:
		return 0, fmt.Errorf("missing")
	}
	return 0, fmt.Errorf("%T is not an integer", v)
}
