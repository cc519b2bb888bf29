package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reminderbot/internal/app"
)

var (
	tickWait    bool
	tickTimeout time.Duration
)

// tickCmd runs one dispatch for the current minute and exits. It is the
// entry point for external cron triggers.
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Dispatch reminders due this minute once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		rep, runErr := a.RunOnce(ctx, tickWait)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopOneShotDone)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return runErr
	},
}

func init() {
	tickCmd.Flags().BoolVar(&tickWait, "wait", true, "wait for deliveries before exiting")
	tickCmd.Flags().DurationVar(&tickTimeout, "timeout", 2*time.Minute, "overall deadline")
}
