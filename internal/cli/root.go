// Package cli implements dockyard-cli, a thin HTTP client for the session
// management server, grounded on the teacher's cobra-based command tree.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	jsonLog bool
	apiKey  string
	apiURL  string
)

// RootCmd is the base command when dockyard-cli is called without args.
var RootCmd = &cobra.Command{
	Use:   "dockyard-cli",
	Short: "Client for a running dockyard session server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute runs the selected subcommand, exiting non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("DOCKYARD_API_KEY"), "API key for authentication")
	RootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8000", "base URL of the dockyard server")
}
