package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check data directory and collaborator configuration",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("jobkeepd doctor")
	fmt.Printf("  OS:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:        %s\n", runtime.Version())
	fmt.Printf("  Data dir:  %s", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	configPath := filepath.Join(dataDir, "scheduler.yaml")
	fmt.Printf("  Config:    %s", configPath)
	if _, err := os.Stat(configPath); err != nil {
		fmt.Println(" (none yet — created on first job)")
	} else {
		fmt.Println(" (OK)")
	}

	statePath := filepath.Join(dataDir, "scheduler_state.db")
	fmt.Printf("  State DB:  %s", statePath)
	if _, err := os.Stat(statePath); err != nil {
		fmt.Println(" (none yet)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Notification channels:")
	checkToken("Discord", "JOBKEEP_DISCORD_TOKEN")
	checkToken("Slack", "JOBKEEP_SLACK_TOKEN")
	checkToken("Telegram", "JOBKEEP_TELEGRAM_TOKEN")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkToken(name, envVar string) {
	if os.Getenv(envVar) != "" {
		fmt.Printf("    %-10s configured\n", name+":")
	} else {
		fmt.Printf("    %-10s (not configured)\n", name+":")
	}
}
