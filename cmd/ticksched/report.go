package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"

	"cbsedf/internal/sched"
	"cbsedf/internal/sim"
	"cbsedf/internal/telemetry"
)

func printRejections(out io.Writer, rejected []sim.Rejection) {
	for _, r := range rejected {
		fmt.Fprintf(out, "rejected %s: %s\n", r.Name, r.Reason)
	}
}

func printTasks(out io.Writer, tasks []sim.TaskResult) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCPU\tSTATE\tUTIL\tDISPATCHES\tMISSES\tLAST JITTER")
	for _, t := range tasks {
		util := "best-effort"
		if t.PeriodNS > 0 {
			util = t.Utilization.String()
		}
		cpu := fmt.Sprint(t.CPU)
		if t.State == sched.StateRemoved {
			cpu = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Name,
			cpu,
			t.State,
			util,
			humanize.Comma(int64(t.Dispatches)),
			humanize.Comma(int64(t.Misses)),
			time.Duration(t.LastJitter),
		)
	}
	tw.Flush()
}

func printTelemetry(out io.Writer, snap telemetry.Snapshot, adm sched.AdmissionSnapshot) {
	fmt.Fprintf(out, "\nadmission: %s accepted, %s rejected, %s reserved (threshold %s per cpu)\n",
		humanize.Comma(int64(snap.AdmissionAccepted)),
		humanize.Comma(int64(snap.AdmissionRejected)),
		adm.Total,
		adm.Threshold,
	)
	for cpu, u := range adm.PerCPU {
		fmt.Fprintf(out, "  cpu %d: %s\n", cpu, u)
	}
	fmt.Fprintf(out, "dispatches: %s (%s jitter samples), deadline misses: %s\n",
		humanize.Comma(int64(snap.Dispatches)),
		humanize.Comma(int64(snap.Samples)),
		humanize.Comma(int64(snap.DeadlineMissCount)),
	)
	fmt.Fprintf(out, "jitter p50=%s p95=%s p99=%s max=%s\n",
		time.Duration(snap.JitterP50NS),
		time.Duration(snap.JitterP95NS),
		time.Duration(snap.JitterP99NS),
		time.Duration(snap.JitterMaxNS),
	)
}
