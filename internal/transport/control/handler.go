// Package control serves the outer protocol: STATE, RUN, GET, GET2, SET and VERSION.
package control

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/policy"
	"github.com/xiaot623/simlink/internal/protocol"
)

// Runner is the part of the run coordinator the outer protocol drives.
type Runner interface {
	State() domain.RunState
	Run(ctx context.Context, overrides []string) error
	Resume() error
	WaitForStateChange(ctx context.Context) (domain.RunState, error)
	Errors() []error
	// WithEngine runs fn only while no worker is inside the engine, and keeps runs from
	// starting or resuming until fn returns.
	WithEngine(fn func() error) error
}

// ColumnReader reads completed-run output.
type ColumnReader interface {
	GetColumn(ctx context.Context, table, column string) ([]interface{}, error)
}

type command struct {
	minArgs int
	maxArgs int
	fn      func(ctx context.Context, args [][]byte) ([]byte, error)
}

// Handler owns the command table shared by the persistent and stateless modes.
type Handler struct {
	runner   Runner
	vars     engine.Variables
	results  ColumnReader
	override func(ctx context.Context, override string) error
	metrics  *metrics.Metrics
	commands map[string]command
}

// NewHandler builds the command table. results may be nil when no store is configured.
func NewHandler(runner Runner, vars engine.Variables, results ColumnReader, guard *policy.Engine, m *metrics.Metrics) *Handler {
	h := &Handler{
		runner:   runner,
		vars:     vars,
		results:  results,
		override: Overrides(vars, guard),
		metrics:  m,
	}
	h.commands = map[string]command{
		protocol.CmdState:   {0, 0, h.state},
		protocol.CmdRun:     {0, 1, h.run},
		protocol.CmdGet:     {1, 1, h.get},
		protocol.CmdGet2:    {1, 1, h.get2},
		protocol.CmdSet:     {1, 1, h.set},
		protocol.CmdVersion: {0, 0, h.version},
	}
	return h
}

// Overrides returns a function that checks a "path=value" override against the mutation
// policy and applies it to the engine.
func Overrides(vars engine.Variables, guard *policy.Engine) func(ctx context.Context, override string) error {
	return func(ctx context.Context, override string) error {
		path, _, ok := strings.Cut(override, "=")
		if !ok || strings.TrimSpace(path) == "" {
			return fmt.Errorf("%w: %q", engine.ErrBadOverride, override)
		}
		h, err := vars.Resolve(path)
		if err != nil {
			return err
		}
		if err := guard.Check(ctx, policy.Mutation{Source: policy.SourceOuter, Command: "override", Path: h.Canonical()}); err != nil {
			return err
		}
		return vars.Apply(override)
	}
}

// Handle dispatches one message and always produces exactly one reply frame.
func (h *Handler) Handle(ctx context.Context, frames [][]byte) (reply []byte) {
	keyword := string(frames[0])
	var err error
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"command": keyword, "panic": r}).Errorf("command handler panicked\n%s", debug.Stack())
			err = domain.NewError(domain.ErrorKindDomain, "internal error: %v", r)
			reply = protocol.ErrorFrame(err)
		}
		h.metrics.Command("outer", keyword, err)
	}()

	reply, err = h.dispatch(ctx, keyword, frames[1:])
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"command": keyword, "kind": domain.KindOf(err)}).Warn("command failed")
		return protocol.ErrorFrame(err)
	}
	return reply
}

func (h *Handler) dispatch(ctx context.Context, keyword string, args [][]byte) ([]byte, error) {
	cmd, ok := h.commands[keyword]
	if !ok {
		return nil, domain.ProtocolError("unknown command %q", keyword)
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		return nil, domain.ProtocolError("%s takes %d to %d arguments, got %d", keyword, cmd.minArgs, cmd.maxArgs, len(args))
	}
	return cmd.fn(ctx, args)
}

func (h *Handler) state(context.Context, [][]byte) ([]byte, error) {
	return protocol.Frame(string(h.runner.State())), nil
}

func (h *Handler) version(context.Context, [][]byte) ([]byte, error) {
	return protocol.Frame(protocol.Version), nil
}

// run starts a run, or resumes one paused at the outer gate, and blocks until the worker
// finishes or pauses at the gate again.
func (h *Handler) run(ctx context.Context, args [][]byte) ([]byte, error) {
	if h.runner.State() == domain.RunStateWaiting {
		if len(args) > 0 && len(splitLines(args[0])) > 0 {
			return nil, domain.StateError("overrides cannot be applied to a paused run")
		}
		if err := h.runner.Resume(); err != nil {
			return nil, err
		}
	} else {
		var overrides []string
		if len(args) > 0 {
			overrides = splitLines(args[0])
		}
		if err := h.runner.Run(ctx, overrides); err != nil {
			return nil, err
		}
	}

	state, err := h.runner.WaitForStateChange(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindTransport, err, "waiting for run")
	}
	if errs := h.runner.Errors(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, domain.NewError(domain.ErrorKindDomain, "%s", strings.Join(msgs, "\n"))
	}
	return protocol.Frame(string(state)), nil
}

func (h *Handler) get(ctx context.Context, args [][]byte) ([]byte, error) {
	if h.results == nil {
		return nil, domain.ErrStoreUnavailable
	}
	table, column, ok := strings.Cut(string(args[0]), ".")
	if !ok || table == "" || column == "" {
		return nil, domain.ProtocolError("GET expects table.column, got %q", args[0])
	}
	values, err := h.results.GetColumn(ctx, table, column)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindDomain, err, "GET "+string(args[0]))
	}
	return protocol.EncodeValue(values)
}

func (h *Handler) get2(_ context.Context, args [][]byte) ([]byte, error) {
	path := string(args[0])
	var payload []byte
	err := h.runner.WithEngine(func() error {
		handle, err := h.vars.Resolve(path)
		if err != nil {
			return domain.WrapError(domain.ErrorKindDomain, err, path)
		}
		value, err := h.vars.Get(handle)
		if err != nil {
			return domain.WrapError(domain.ErrorKindDomain, err, path)
		}
		if value == nil {
			payload = protocol.Frame(protocol.NA)
			return nil
		}
		payload, err = protocol.EncodeValue(engine.DeepCopy(value))
		if err != nil {
			return domain.WrapError(domain.ErrorKindDomain, err, fmt.Sprintf("%s (%T)", path, value))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// set applies overrides in order and stops at the first failure.
func (h *Handler) set(ctx context.Context, args [][]byte) ([]byte, error) {
	lines := splitLines(args[0])
	if len(lines) == 0 {
		return nil, domain.ProtocolError("SET expects path=value lines")
	}
	err := h.runner.WithEngine(func() error {
		for i, line := range lines {
			if err := h.override(ctx, line); err != nil {
				return domain.WrapError(domain.ErrorKindDomain, err, fmt.Sprintf("override %d (%s)", i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Frame(protocol.Reply), nil
}

func splitLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
