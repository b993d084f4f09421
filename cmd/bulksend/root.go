package main

import (
	"github.com/spf13/cobra"

	logx "bulksend/pkg/logx"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "bulksend",
	Short: "Paced bulk message dispatcher with an HTTP control surface",
	Long: `bulksend delivers one message to many destinations over a chat transport,
one at a time with a delay between sends. Batches can be paused, resumed
and stopped over HTTP, and pause themselves while the operator is chatting.

Run without a subcommand to start the service.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for offline commands (history, prune)")
}

// cliLogger is used by commands that do not start the service.
func cliLogger() logx.Logger {
	return logx.NewConsole(logLevel)
}
