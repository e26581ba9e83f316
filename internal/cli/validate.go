package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/machine"
	"github.com/openpin/openpin/internal/platform"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a machine config file",
	Long: `Load the machine config, check it structurally, and assemble the
device graph without starting anything. Exits non-zero on the first
problem found.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	// Assembling the graph runs the reachability checks.
	pf := platform.NewVirtual(slog.Default())
	for name := range cfg.Coils {
		pf.AddDriver(name)
	}
	if _, err := machine.New(cfg, pf, nil, slog.Default(), machine.Options{}); err != nil {
		return err
	}

	fmt.Printf("%s: ok (%d devices, %d playfields, %d balls installed)\n",
		configFlag, len(cfg.BallDevices), len(cfg.Playfields), cfg.BallsInstalled)
	return nil
}
