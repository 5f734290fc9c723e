package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the scheduler's aggregate state",
	}
	cmd.AddCommand(statusReloadCmd())

	var jsonOutput bool
	cmd.Run = func(cmd *cobra.Command, args []string) {
		sched, err := openScheduler()
		if err != nil {
			fatal(err)
		}
		defer sched.Close()

		st, err := sched.Status()
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(data))
			return
		}

		fmt.Printf("jobs:   %d total, %d active, %d paused\n", st.JobsTotal, st.JobsActive, st.JobsPaused)
		if st.NextRunAtMS != nil {
			fmt.Printf("next:   %s\n", time.UnixMilli(*st.NextRunAtMS).Format(time.DateTime))
		} else {
			fmt.Println("next:   (none armed)")
		}
		if st.Degraded {
			fmt.Println("degraded: state-database writes are failing repeatedly; new jobs are being refused")
		}
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func statusReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the config file and reconcile state",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			n, err := sched.ReloadConfig()
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Reconciled %d job(s)\n", n)
		},
	}
}
