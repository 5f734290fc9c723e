package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler()
			if err != nil {
				fatal(err)
			}
			defer sched.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := sched.Start(ctx); err != nil {
				fatal(err)
			}
			slog.Info("jobkeepd: serving", "dataDir", dataDir)

			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nshutting down...")
			sched.Stop()
		},
	}
}
