package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openpin/openpin/internal/config"
	"github.com/openpin/openpin/internal/machine"
	"github.com/openpin/openpin/internal/platform"
)

var (
	runNoPersist bool
	runNoLock    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the machine on the virtual platform",
	Long: `Start the machine and keep it running until interrupted.

The virtual platform drives switches from the file named by
virtual_switch_feed in the machine config: append lines of the form

  <switch-name> on
  <switch-name> off

to feed switch changes into the running machine.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "Disable the state database")
	runCmd.Flags().BoolVar(&runNoLock, "no-lock", false, "Disable the process lock file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	log := slog.Default()
	pf := platform.NewVirtual(log)
	for name := range cfg.Coils {
		pf.AddDriver(name)
	}

	m, err := machine.New(cfg, pf, nil, log, machine.Options{
		Persist:  !runNoPersist,
		LockFile: !runNoLock,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		m.Stop()
		return err
	}

	<-ctx.Done()
	m.Stop()
	return nil
}
