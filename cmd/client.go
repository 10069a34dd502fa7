package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/protocol"
)

func newClientCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "client [COMMAND [ARG]]",
		Short: "Send outer protocol commands to a running server",
		Long: "With arguments, sends one command and prints the reply. Without, reads commands from stdin, one per line: " +
			"the first word is the keyword and the rest is its argument, with \\n standing for a newline (RUN a=1\\nb=2).",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			conn, err := channel.Dial(ctx, addr)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer conn.Close()

			if len(args) > 0 {
				return send(ctx, conn, out, args)
			}
			return repl(ctx, conn, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "tcp://127.0.0.1:27746", "control endpoint")

	return cmd
}

func repl(ctx context.Context, conn channel.Conn, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connected to %s.\n", conn.ID())
	fmt.Fprintln(out, "Commands: STATE, RUN [overrides], GET table.column, GET2 path, SET overrides, VERSION; /quit to exit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		if err := send(ctx, conn, out, parseInput(input)); err != nil {
			return err
		}
	}
}

// parseInput splits a REPL line into the keyword and its optional argument.
func parseInput(input string) []string {
	keyword, arg, ok := strings.Cut(input, " ")
	if !ok {
		return []string{keyword}
	}
	return []string{keyword, strings.ReplaceAll(strings.TrimSpace(arg), `\n`, "\n")}
}

func send(ctx context.Context, conn channel.Conn, out io.Writer, args []string) error {
	reply, err := channel.Request(ctx, conn, protocol.Frames(args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if len(reply) == 0 {
		return fmt.Errorf("%s: empty reply", args[0])
	}
	_, err = fmt.Fprintln(out, formatReply(args[0], reply[0]))
	return err
}

// formatReply renders a reply for display. GET and GET2 replies carry encoded values; every
// other reply is text.
func formatReply(keyword string, reply []byte) string {
	if detail, ok := protocol.IsError(reply); ok {
		return "error: " + detail
	}
	if keyword != protocol.CmdGet && keyword != protocol.CmdGet2 {
		return string(reply)
	}
	if string(reply) == protocol.NA {
		return protocol.NA
	}
	v, err := protocol.DecodeValue(reply)
	if err != nil {
		return fmt.Sprintf("undecodable reply (%v): %x", err, reply)
	}
	return fmt.Sprintf("%v", v)
}
