// Package cli implements the openpin command line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "openpin",
	Short: "Ball transport controller for pinball machines",
	Long: `openpin runs the ball transport subsystem of a pinball machine:
it counts balls in every device, routes them through the device graph,
and recovers from jams, bounce-backs and lost balls.

A machine is described by a YAML config file naming its switches,
coils, ball devices and playfields.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verboseFlag {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "machine.yaml", "Machine config file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")
}

// SetVersion sets the version shown by --version.
func SetVersion(version string) {
	rootCmd.Version = version
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
