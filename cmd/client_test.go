package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/protocol"
)

func TestParseInput(t *testing.T) {
	assert.Equal(t, []string{"STATE"}, parseInput("STATE"))
	assert.Equal(t, []string{"RUN", "a=1\nb=2"}, parseInput(`RUN a=1\nb=2`))
	assert.Equal(t, []string{"GET2", "[Field0].Soil.Water[1]"}, parseInput("GET2  [Field0].Soil.Water[1]"))
}

func TestFormatReply(t *testing.T) {
	payload, err := protocol.EncodeValue([]float64{1.5, 2})
	require.NoError(t, err)

	assert.Equal(t, "[1.5 2]", formatReply(protocol.CmdGet, payload))
	assert.Equal(t, "NA", formatReply(protocol.CmdGet2, []byte(protocol.NA)))
	assert.Equal(t, "finished", formatReply(protocol.CmdRun, []byte("finished")))
	assert.Equal(t, "error: already running", formatReply(protocol.CmdRun, []byte("ERROR\nalready running")))
}

func TestREPL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := channel.Pipe()

	go func() {
		for {
			frames, err := server.Receive(ctx)
			if err != nil {
				return
			}
			var parts []string
			for _, f := range frames {
				parts = append(parts, string(f))
			}
			if err := server.Send(ctx, protocol.Frame(strings.Join(parts, "|"))); err != nil {
				return
			}
		}
	}()

	var out bytes.Buffer
	in := strings.NewReader("STATE\n\nSET a=1\\nb=2\n/quit\nVERSION\n")
	require.NoError(t, repl(ctx, client, in, &out))

	text := out.String()
	assert.Contains(t, text, "> STATE\n")
	assert.Contains(t, text, "SET|a=1\nb=2\n")
	assert.Contains(t, text, "Bye!")
	assert.Equal(t, 1, strings.Count(text, "VERSION"), "nothing is sent after /quit")
}
