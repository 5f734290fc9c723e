package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobkeep"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger and inspect job executions",
	}
	cmd.AddCommand(runOnceCmd())
	cmd.AddCommand(runHistoryCmd())
	cmd.AddCommand(runStatsCmd())
	cmd.AddCommand(runPruneCmd())
	return cmd
}

func runPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete run records older than a cutoff",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			before := time.Now().Add(-olderThan).UnixMilli()
			n, err := sched.DeleteOldRuns(before)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Pruned %d run record(s)\n", n)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs older than this duration")
	return cmd
}

func runOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once [jobId]",
		Short: "Run a job immediately, outside its normal schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			if err := sched.RunOnce(context.Background(), args[0]); err != nil {
				fatal(err)
			}
			// Drain the dispatched run before exiting; a one-shot CLI
			// process has no timer loop to outlive it.
			sched.Stop()
			fmt.Printf("Ran job %s\n", args[0])
		},
	}
}

func runHistoryCmd() *cobra.Command {
	var jobID string
	var limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past run records",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			runs, total, err := sched.Runs(jobkeep.RunFilter{JobID: jobID, Limit: limit})
			if err != nil {
				fatal(err)
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(runs, "", "  ")
				fmt.Println(string(data))
				return
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "RUN ID\tJOB\tSTATUS\tSTARTED\tDURATION\n")
			for _, r := range runs {
				runShort := r.ID
				if len(runShort) > 8 {
					runShort = runShort[:8]
				}
				jobShort := r.JobID
				if len(jobShort) > 8 {
					jobShort = jobShort[:8]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					runShort, jobShort, r.Status,
					time.UnixMilli(r.StartedAtMS).Format(time.DateTime),
					time.Duration(r.DurationMS)*time.Millisecond)
			}
			tw.Flush()
			fmt.Printf("(%d of %d)\n", len(runs), total)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "restrict to one job's history")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [jobId]",
		Short: "Summarize a job's run history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			stats, err := sched.JobStats(args[0])
			if err != nil {
				fatal(err)
			}
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
		},
	}
}
