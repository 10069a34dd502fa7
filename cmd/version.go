package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/simlink/internal/protocol"
)

// Version is the build version, set with -ldflags.
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "simlink %s (protocol %s)\n", Version, protocol.Version)
			return err
		},
	}
}
