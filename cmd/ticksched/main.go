package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cbsedf/internal/logging"
	"cbsedf/internal/sched"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string

	cfg sched.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticksched",
		Short: "CBS+EDF real-time scheduler simulator",
		Long: `ticksched admits periodic tasks under a utilization bound, schedules them
earliest-deadline-first with constant-bandwidth budgets and reports jitter
and deadline-miss telemetry.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Configure(flagLogLevel, flagLogFormat)

			// Read the configuration
			var err error
			cfg, err = sched.Load(flagConfig)
			if err != nil {
				return err
			}
			log.WithField("config", flagConfig).Debugf("Loaded config: %+v", cfg)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config.yml (defaults when empty)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newAdmitCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
