package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/protocol"
	"github.com/xiaot623/simlink/internal/syncagent"
)

type zoneCollector struct {
	zones map[string]int
}

func (z *zoneCollector) ReplaceSimulationRows(_ context.Context, _, _ string, _ []string, rows [][]interface{}) error {
	z.zones = map[string]int{}
	for _, row := range rows {
		z.zones[row[1].(string)]++
	}
	return nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func request(t *testing.T, ctx context.Context, conn channel.Conn, frames ...[]byte) []byte {
	t.Helper()
	reply, err := channel.Request(ctx, conn, frames...)
	require.NoError(t, err)
	require.Len(t, reply, 1)
	return reply[0]
}

func expect(t *testing.T, ctx context.Context, conn channel.Conn, keyword string) {
	t.Helper()
	frames, err := conn.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, keyword, string(frames[0]))
}

// handshake answers connect and consumes setup.
func handshake(t *testing.T, ctx context.Context, conn channel.Conn) {
	t.Helper()
	expect(t, ctx, conn, protocol.SetupConnect)
	require.NoError(t, conn.Send(ctx, protocol.Frame(protocol.Reply)))
	expect(t, ctx, conn, protocol.SetupSetup)
}

func start(t *testing.T, b *Builder) (channel.Conn, chan error) {
	t.Helper()
	ctrl, server := channel.Pipe()
	done := make(chan error, 1)
	go func() { done <- b.Run(testContext(t), server) }()
	return ctrl, done
}

func TestSetupBuildsFields(t *testing.T) {
	ctx := testContext(t)
	sim := engine.Default()
	agent := syncagent.New(sim, sim, syncagent.Options{})
	b := NewBuilder(sim, agent, "Field", nil)
	ctrl, done := start(t, b)

	handshake(t, ctx, ctrl)
	assert.Equal(t, protocol.Reply, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(2))))
	assert.Equal(t, protocol.Reply, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(3))))

	idx, err := protocol.DecodeInt32(request(t, ctx, ctrl, protocol.Frames(protocol.SetupField, "name,North", "x,1.5", "crop,wheat")...))
	require.NoError(t, err)
	assert.Equal(t, int32(5), idx)

	detail, isErr := protocol.IsError(request(t, ctx, ctrl, protocol.Frame("bogus")))
	assert.True(t, isErr)
	assert.Equal(t, "unknown setup command", detail)

	_, isErr = protocol.IsError(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(-1)))
	assert.True(t, isErr)
	_, isErr = protocol.IsError(request(t, ctx, ctrl, protocol.Frames(protocol.SetupField, "name,North")...))
	assert.True(t, isErr, "duplicate names are refused")
	_, isErr = protocol.IsError(request(t, ctx, ctrl, protocol.Frames(protocol.SetupField, "novalue")...))
	assert.True(t, isErr)

	assert.Equal(t, protocol.SetupReady, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupEnergize))))
	require.NoError(t, <-done)

	fields := agent.Fields()
	require.Len(t, fields, 6)
	for i, f := range fields {
		assert.Equal(t, i, f.Index)
	}
	assert.Equal(t, "Field0", fields[0].Name)
	assert.Equal(t, "Field4", fields[4].Name)
	assert.Equal(t, "North", fields[5].Name)
	assert.Equal(t, "wheat", fields[5].Params["crop"])

	// the template is gone from the results, every clone is present
	results := &zoneCollector{}
	sim.SetResults(results)
	require.NoError(t, sim.Prepare(ctx))
	require.NoError(t, sim.Run(ctx))
	require.NoError(t, sim.Cleanup(ctx))
	assert.NotContains(t, results.zones, "Field")
	assert.Len(t, results.zones, 6)
	assert.Equal(t, 10, results.zones["North"])

	// the session is never reused
	_, server := channel.Pipe()
	assert.ErrorIs(t, b.Run(ctx, server), ErrAlreadyUsed)
}

func TestConnectMustBeAcknowledged(t *testing.T) {
	ctx := testContext(t)
	sim := engine.Default()
	b := NewBuilder(sim, syncagent.New(sim, sim, syncagent.Options{}), "Field", nil)
	ctrl, done := start(t, b)

	expect(t, ctx, ctrl, protocol.SetupConnect)
	require.NoError(t, ctrl.Send(ctx, protocol.Frame("no")))
	assert.ErrorIs(t, <-done, ErrRejected)
}

func TestMissingTemplate(t *testing.T) {
	sim := engine.Default()
	b := NewBuilder(sim, syncagent.New(sim, sim, syncagent.Options{}), "Nowhere", nil)
	_, server := channel.Pipe()
	assert.Error(t, b.Run(testContext(t), server))
}

func TestServeAcceptsOneController(t *testing.T) {
	ctx := testContext(t)
	ln, err := channel.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	sim := engine.Default()
	agent := syncagent.New(sim, sim, syncagent.Options{})
	b := NewBuilder(sim, agent, "Field", nil)
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()

	ctrl, err := channel.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer ctrl.Close()

	handshake(t, ctx, ctrl)
	assert.Equal(t, protocol.Reply, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(1))))
	assert.Equal(t, protocol.SetupReady, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupEnergize))))
	require.NoError(t, <-done)
	assert.Len(t, agent.Fields(), 1)
}

func TestRejectedFieldDoesNotShiftNames(t *testing.T) {
	ctx := testContext(t)
	sim := engine.Default()
	agent := syncagent.New(sim, sim, syncagent.Options{})
	b := NewBuilder(sim, agent, "Field", nil)
	ctrl, done := start(t, b)

	handshake(t, ctx, ctrl)
	assert.Equal(t, protocol.Reply, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(1))))
	_, isErr := protocol.IsError(request(t, ctx, ctrl, protocol.Frames(protocol.SetupField, "x,abc")...))
	assert.True(t, isErr)
	assert.Equal(t, protocol.Reply, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupFields), protocol.EncodeInt32(1))))
	idx, err := protocol.DecodeInt32(request(t, ctx, ctrl, protocol.Frames(protocol.SetupField, "x,2")...))
	require.NoError(t, err)
	assert.Equal(t, int32(2), idx)

	assert.Equal(t, protocol.SetupReady, string(request(t, ctx, ctrl, protocol.Frame(protocol.SetupEnergize))))
	require.NoError(t, <-done)

	fields := agent.Fields()
	require.Len(t, fields, 3)
	for i, f := range fields {
		assert.Equal(t, fmt.Sprintf("Field%d", i), f.Name)
	}
	assert.Equal(t, 3, b.created())

	results := &zoneCollector{}
	sim.SetResults(results)
	require.NoError(t, sim.Prepare(ctx))
	require.NoError(t, sim.Run(ctx))
	require.NoError(t, sim.Cleanup(ctx))
	assert.Len(t, results.zones, 3)
}
