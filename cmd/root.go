package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "simlink",
		Short:         "simlink: drive a daily simulation over a remote control protocol",
		Long:          "simlink runs a daily simulation behind a framed control protocol: controllers start, pause, inspect, mutate and resume it, and an optional inner session steps it day by day.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default ./simlink.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(v),
		newClientCmd(),
	)

	return rootCmd
}
