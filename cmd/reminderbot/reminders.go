package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reminderbot/internal/app"
	"reminderbot/internal/config"
	"reminderbot/internal/reminders"
	logx "reminderbot/pkg/logx"
)

var (
	remOwner   string
	remChannel string
	remPersona string
)

var remindersCmd = &cobra.Command{
	Use:     "reminders",
	Aliases: []string{"rem"},
	Short:   "Manage reminders directly in the store",
}

var remindersAddCmd = &cobra.Command{
	Use:   "add HH:MM LABEL...",
	Short: "Create a reminder",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *reminders.Service) (bool, string) {
			return svc.Create(ctx, remOwner, remPersona, args[0], strings.Join(args[1:], " "))
		})
	},
}

var remindersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's active reminders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd, func(ctx context.Context, svc *reminders.Service) (bool, string) {
			return svc.List(ctx, remOwner)
		})
	},
}

var remindersDeleteCmd = &cobra.Command{
	Use:   "delete HH:MM LABEL...",
	Short: "Delete a reminder",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *reminders.Service) (bool, string) {
			return svc.Delete(ctx, remOwner, args[0], strings.Join(args[1:], " "))
		})
	},
}

func init() {
	remindersCmd.PersistentFlags().StringVar(&remOwner, "owner", "", "recipient id on the channel (required)")
	remindersCmd.PersistentFlags().StringVar(&remChannel, "channel", "", "channel name; empty means the active channel for add and every channel for list and delete")
	remindersAddCmd.Flags().StringVar(&remPersona, "persona", "a friendly assistant", "persona the message is written as")
	_ = remindersCmd.MarkPersistentFlagRequired("owner")
	remindersCmd.AddCommand(remindersAddCmd, remindersListCmd, remindersDeleteCmd)
}

// withService opens only the store; no channel connects.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *reminders.Service) (bool, string)) error {
	ctx := cmd.Context()
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(orDefault(cfg.Logging.Level, "warn"))
	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ok, msg := fn(ctx, reminders.New(st, remChannel, log, nil))
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	if !ok {
		return errors.New("reminders: request failed")
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
