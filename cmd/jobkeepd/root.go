package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobkeep"
	"github.com/nextlevelbuilder/jobkeep/internal/notify"
)

var dataDir string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobkeepd",
		Short: "Persistent scheduled-job engine",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding scheduler.yaml and scheduler_state.db")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(jobsCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(doctorCmd())
	return cmd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jobkeepd"
	}
	return filepath.Join(home, ".jobkeepd")
}

// openScheduler opens the store at dataDir and wires the default
// notification router from channel tokens found in the environment
// (JOBKEEP_DISCORD_TOKEN, JOBKEEP_SLACK_TOKEN, JOBKEEP_TELEGRAM_TOKEN).
// It never starts the timer loop; callers that need the loop running
// call Start themselves (serveCmd does, one-shot commands don't).
func openScheduler() (*jobkeep.Scheduler, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	router := notify.NewRouter()
	if token := os.Getenv("JOBKEEP_DISCORD_TOKEN"); token != "" {
		sender, err := notify.NewDiscordSender(token)
		if err != nil {
			return nil, fmt.Errorf("discord sender: %w", err)
		}
		router.Register("discord", sender)
	}
	if token := os.Getenv("JOBKEEP_SLACK_TOKEN"); token != "" {
		router.Register("slack", notify.NewSlackSender(token))
	}
	if token := os.Getenv("JOBKEEP_TELEGRAM_TOKEN"); token != "" {
		sender, err := notify.NewTelegramSender(token)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		router.Register("telegram", sender)
	}

	return jobkeep.Open(dataDir, jobkeep.Callbacks{Notifier: router})
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}
