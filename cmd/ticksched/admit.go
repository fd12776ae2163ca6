package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"cbsedf/internal/sched"
)

func newAdmitCmd() *cobra.Command {
	var affinity int

	cmd := &cobra.Command{
		Use:   "admit <wcet/period>...",
		Short: "Run admission control over a task set",
		Long: `Admits each task in order, e.g. "ticksched admit 2ms/10ms 5ms/10ms 2ms/10ms",
and prints the decision and the resulting per-CPU utilization.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := sched.NewAdmissionController(cfg.Admission(), nil)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tWCET\tPERIOD\tUTIL\tCPU\tDECISION")

			for _, arg := range args {
				wcet, period, err := parsePair(arg)
				if err != nil {
					return err
				}
				r, err := ac.TryAdmit(int64(wcet), int64(period), affinity)
				decision := "accepted"
				id, cpu := "-", "-"
				if err != nil {
					decision = err.Error()
				} else {
					id, cpu = fmt.Sprint(r.ID), fmt.Sprint(r.CPU)
				}
				util := "-"
				if wcet > 0 && period >= wcet {
					util = sched.NewUtilization(int64(wcet), int64(period)).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, wcet, period, util, cpu, decision)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			snap := ac.Snapshot()
			for cpu, u := range snap.PerCPU {
				fmt.Fprintf(cmd.OutOrStdout(), "cpu %d: %s of %s\n", cpu, u, snap.Threshold)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&affinity, "cpu", sched.NoCPU, "Pin every task to this CPU")
	return cmd
}

func parsePair(s string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("expected wcet/period, got %q", s)
	}
	wcet, err := time.ParseDuration(parts[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "wcet of %q", s)
	}
	period, err := time.ParseDuration(parts[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "period of %q", s)
	}
	return wcet, period, nil
}
