package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cbsedf/internal/job"
	"cbsedf/internal/sched"
	"cbsedf/internal/sim"
	"cbsedf/internal/smp"
)

func newRunCmd() *cobra.Command {
	var (
		workloadPath string
		ticks        int64
		seed         uint64
		csvPath      string
		events       bool
		hosted       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a workload and print telemetry",
		Long: `Replays the tasks of a workload file tick by tick on a simulated machine.
With --hosted the reservations run in real time instead, one goroutine per CPU,
for the given duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := sim.LoadWorkload(workloadPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				w.Seed = seed
			}
			out := cmd.OutOrStdout()
			if hosted > 0 {
				return runHosted(cmd.Context(), out, w, hosted)
			}
			return runSimulated(out, w, ticks, csvPath, events)
		},
	}

	cmd.Flags().StringVar(&workloadPath, "workload", "workload.yml", "Workload file")
	cmd.Flags().Int64Var(&ticks, "ticks", 1000, "Number of ticks to simulate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Override the workload seed")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Write the event trace as CSV to this file")
	cmd.Flags().BoolVar(&events, "events", false, "Print every scheduler event")
	cmd.Flags().DurationVar(&hosted, "hosted", 0, "Run in real time for this long instead of simulating")

	return cmd
}

func runSimulated(out io.Writer, w sim.Workload, ticks int64, csvPath string, events bool) error {
	opts := []sim.Option{sim.WithoutTrace()}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return errors.Wrap(err, "create csv")
		}
		defer f.Close()
		opts = append(opts, sim.WithRecorder(sim.NewRecorder(f)))
	}
	if events {
		opts = append(opts, sim.WithEventHook(func(tick int64, ev sched.StatusEvent) {
			fmt.Fprintln(out, sim.FormatEvent(tick, ev))
		}))
	}

	s, err := sim.New(cfg, w, opts...)
	if err != nil {
		return err
	}
	start := time.Now()
	res, err := s.Run(ticks)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"ticks":   res.Ticks,
		"elapsed": time.Since(start).String(),
	}).Info("Simulation finished")

	printRejections(out, res.Rejected)
	printTasks(out, res.Tasks)
	printTelemetry(out, res.Snapshot, res.Admission)
	return nil
}

func runHosted(ctx context.Context, out io.Writer, w sim.Workload, d time.Duration) error {
	m := smp.New(cfg, smp.WithClock(sched.NewTickClock(1)))

	var rejected []sim.Rejection
	for _, t := range w.Tasks {
		affinity := sched.NoCPU
		if t.CPU != nil {
			affinity = *t.CPU
		}
		var err error
		if t.BestEffort {
			_, err = m.AddBestEffort(affinity)
		} else {
			err = admitSpec(m, t, affinity)
		}
		if err != nil {
			rejected = append(rejected, sim.Rejection{Name: t.Name, Reason: err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		return err
	}

	printRejections(out, rejected)
	tasks := make([]sim.TaskResult, 0, len(w.Tasks))
	for _, st := range m.Tasks() {
		tasks = append(tasks, sim.TaskResult{TaskStats: st})
	}
	printTasks(out, tasks)
	printTelemetry(out, m.Snapshot(), m.Admission().Snapshot())
	return nil
}

func admitSpec(m *smp.Machine, t sim.TaskSpec, affinity int) error {
	wcet, err := job.ParseDuration(t.WCET)
	if err != nil {
		return errors.Wrapf(err, "task %s", t.Name)
	}
	period, err := job.ParseDuration(t.Period)
	if err != nil {
		return errors.Wrapf(err, "task %s", t.Name)
	}
	_, err = m.TryAdmit(wcet, period, affinity)
	return err
}
