package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/omochice/docmux/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "docmux",
	Short: "docmux multiplexes document channels over one WebSocket",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its settings from the standard flag set.
		flag.CommandLine.Parse(nil)
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	config.RegisterFlags(flags)
	flags.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(relayCmd, tokenCmd, tailCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
