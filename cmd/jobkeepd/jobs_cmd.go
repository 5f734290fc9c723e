package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/jobkeep"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsGetCmd())
	cmd.AddCommand(jobsCreateCmd())
	cmd.AddCommand(jobsDeleteCmd())
	cmd.AddCommand(jobsPauseCmd())
	cmd.AddCommand(jobsResumeCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var jsonOutput, showDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			jobs, err := sched.List(jobkeep.ListFilter{IncludeDisabled: showDisabled})
			if err != nil {
				fatal(err)
			}
			printJobs(jobs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "include disabled jobs")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [jobId]",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			job, ok, err := sched.Get(args[0])
			if err != nil {
				fatal(err)
			}
			if !ok {
				fatal(fmt.Errorf("job %s not found", args[0]))
			}
			data, _ := json.MarshalIndent(job, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func jobsCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a YAML or JSON definition file",
		Run: func(cmd *cobra.Command, args []string) {
			if file == "" {
				fatal(fmt.Errorf("--file is required"))
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				fatal(err)
			}
			var def jobkeep.JobDefinition
			if err := yaml.Unmarshal(raw, &def); err != nil {
				fatal(fmt.Errorf("parse %s: %w", file, err))
			}

			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			job, err := sched.Create(def)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Created job %s (%s)\n", job.ID, job.Name)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a YAML/JSON job definition")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [jobId]",
		Short: "Delete a job and its run history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			if err := sched.Delete(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("Deleted job %s\n", args[0])
		},
	}
}

func jobsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [jobId]",
		Short: "Pause a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			if _, err := sched.Pause(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("Paused job %s\n", args[0])
		},
	}
}

func jobsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [jobId]",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			if _, err := sched.Resume(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("Resumed job %s\n", args[0])
		},
	}
}

func printJobs(jobs []jobkeep.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSTATUS\tSCHEDULE\tNEXT RUN\n")
	for _, j := range jobs {
		nextRun := "-"
		if j.State.NextRunAtMS != nil {
			nextRun = time.UnixMilli(*j.State.NextRunAtMS).Format(time.DateTime)
		}

		idShort := j.ID
		if len(idShort) > 8 {
			idShort = idShort[:8]
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			idShort, j.Name, j.State.Status, schedule.Describe(j.Schedule), nextRun)
	}
	tw.Flush()
}
