package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/protocol"
)

type stubRunner struct {
	state   domain.RunState
	idle    bool
	runs    [][]string
	resumed int
	errs    []error
}

func (r *stubRunner) State() domain.RunState { return r.state }
func (r *stubRunner) Errors() []error        { return r.errs }

func (r *stubRunner) WithEngine(fn func() error) error {
	if !r.idle {
		return domain.ErrRunInProgress
	}
	return fn()
}

func (r *stubRunner) Run(_ context.Context, overrides []string) error {
	if !r.state.CanStart() {
		return domain.ErrAlreadyRunning
	}
	r.runs = append(r.runs, overrides)
	r.state = domain.RunStateFinished
	return nil
}

func (r *stubRunner) Resume() error {
	r.resumed++
	r.state = domain.RunStateFinished
	return nil
}

func (r *stubRunner) WaitForStateChange(context.Context) (domain.RunState, error) {
	return r.state, nil
}

type stubHandle string

func (h stubHandle) Path() string      { return string(h) }
func (h stubHandle) Canonical() string { return string(h) }

type stubVars struct {
	values  map[string]interface{}
	applied []string
}

func (v *stubVars) Resolve(path string) (engine.Handle, error) {
	if path == "unknown" {
		return nil, engine.ErrNotFound
	}
	return stubHandle(path), nil
}

func (v *stubVars) Get(h engine.Handle) (interface{}, error) {
	if h.Path() == "explode" {
		panic("boom")
	}
	return v.values[h.Path()], nil
}

func (v *stubVars) Set(h engine.Handle, value interface{}) error {
	v.values[h.Path()] = value
	return nil
}

func (v *stubVars) Apply(override string) error {
	if override == "bad" {
		return engine.ErrBadOverride
	}
	v.applied = append(v.applied, override)
	return nil
}

func newStubHandler(runner *stubRunner, vars *stubVars) *Handler {
	return NewHandler(runner, vars, nil, nil, nil)
}

func handle(h *Handler, args ...string) []byte {
	return h.Handle(context.Background(), protocol.Frames(args...))
}

func errorDetail(t *testing.T, reply []byte) string {
	t.Helper()
	detail, ok := protocol.IsError(reply)
	require.True(t, ok, "expected an error reply, got %q", reply)
	return detail
}

func TestHandlerArgumentCounts(t *testing.T) {
	h := newStubHandler(&stubRunner{state: domain.RunStateIdling, idle: true}, &stubVars{})

	errorDetail(t, handle(h, protocol.CmdState, "x"))
	errorDetail(t, handle(h, protocol.CmdGet2))
	errorDetail(t, handle(h, protocol.CmdGet2, "a", "b"))
	errorDetail(t, handle(h, protocol.CmdSet))
	errorDetail(t, handle(h, protocol.CmdRun, "a", "b"))
	assert.Contains(t, errorDetail(t, handle(h, "NOPE")), "unknown command")
}

func TestHandlerGetWithoutStore(t *testing.T) {
	h := newStubHandler(&stubRunner{state: domain.RunStateIdling, idle: true}, &stubVars{})
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdGet, "Report.x")), domain.ErrStoreUnavailable.Error())
}

func TestHandlerGet2(t *testing.T) {
	vars := &stubVars{values: map[string]interface{}{
		"number":  2.5,
		"missing": nil,
		"func":    func() {},
		"explode": 1,
	}}
	runner := &stubRunner{state: domain.RunStateIdling, idle: true}
	h := newStubHandler(runner, vars)

	var number float64
	require.NoError(t, protocol.DecodeInto(handle(h, protocol.CmdGet2, "number"), &number))
	assert.Equal(t, 2.5, number)
	assert.Equal(t, protocol.NA, string(handle(h, protocol.CmdGet2, "missing")))
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdGet2, "func")), "not serializable")
	errorDetail(t, handle(h, protocol.CmdGet2, "unknown"))
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdGet2, "explode")), "boom")

	runner.idle = false
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdGet2, "number")), domain.ErrRunInProgress.Error())
}

func TestHandlerSet(t *testing.T) {
	vars := &stubVars{}
	runner := &stubRunner{state: domain.RunStateIdling, idle: true}
	h := newStubHandler(runner, vars)

	assert.Equal(t, protocol.Reply, string(handle(h, protocol.CmdSet, "a=1\n\n b=2 \n")))
	assert.Equal(t, []string{"a=1", "b=2"}, vars.applied)

	detail := errorDetail(t, handle(h, protocol.CmdSet, "c=3\nbad\nd=4"))
	assert.Contains(t, detail, "override 2")
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, vars.applied)

	errorDetail(t, handle(h, protocol.CmdSet, "\n"))
	errorDetail(t, handle(h, protocol.CmdSet, "no-equals-sign"))

	runner.idle = false
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdSet, "e=5")), domain.ErrRunInProgress.Error())
	assert.NotContains(t, vars.applied, "e=5")
}

func TestHandlerRun(t *testing.T) {
	runner := &stubRunner{state: domain.RunStateIdling, idle: true}
	h := newStubHandler(runner, &stubVars{})

	assert.Equal(t, "finished", string(handle(h, protocol.CmdRun, "a=1\nb=2")))
	assert.Equal(t, [][]string{{"a=1", "b=2"}}, runner.runs)

	runner.state = domain.RunStateRunning
	assert.Contains(t, errorDetail(t, handle(h, protocol.CmdRun)), domain.ErrAlreadyRunning.Error())

	runner.state = domain.RunStateWaiting
	errorDetail(t, handle(h, protocol.CmdRun, "a=1"))
	assert.Equal(t, 0, runner.resumed)
	assert.Equal(t, "finished", string(handle(h, protocol.CmdRun)))
	assert.Equal(t, 1, runner.resumed)

	runner.errs = []error{errors.New("first"), errors.New("second")}
	assert.Equal(t, "first\nsecond", errorDetail(t, handle(h, protocol.CmdRun)))
}
