// Command notifyctl runs single passes of the notification engine and
// moderator actions by hand.
//
// Usage:
//
//	notifyctl migrate
//	notifyctl reminders
//	notifyctl sweep
//	notifyctl cleanup --retention-days 30
//	notifyctl ban <user-id> --reason "spam"
//	notifyctl unban <user-id>
//	notifyctl status <user-id>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/scoracle-notify/internal/config"
	"github.com/albapepper/scoracle-notify/internal/db"
	"github.com/albapepper/scoracle-notify/internal/engine"
	"github.com/albapepper/scoracle-notify/internal/store"
)

var logger = engine.NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "notifyctl",
		Short: "Scoracle notification engine CLI",
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(remindersCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(cleanupCmd())
	root.AddCommand(banCmd())
	root.AddCommand(unbanCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Connect(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := pool.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// scheduled passes
// --------------------------------------------------------------------------

func remindersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reminders",
		Short: "Deliver reminders that are due now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config) error {
				res, err := eng.Dispatcher.PollReminders(ctx)
				if res != nil {
					logger.Info("Reminder pass finished", "summary", res.Summary())
				}
				return err
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Lift expired mutes and suspensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config) error {
				res, err := eng.Moderation.Sweep(ctx)
				if res != nil {
					logger.Info("Sweep finished", "summary", res.Summary())
				}
				return err
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge ledger entries and read notifications past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, cfg *config.Config) error {
				retention := cfg.Retention()
				if cmd.Flags().Changed("retention-days") {
					retention = time.Duration(days) * 24 * time.Hour
				}
				res, err := eng.Tasks.Cleanup(ctx, retention)
				if res != nil {
					logger.Info("Cleanup finished", "summary", res.Summary())
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&days, "retention-days", 30, "Days to keep processed records (default RETENTION_DAYS)")
	return cmd
}

// --------------------------------------------------------------------------
// moderator actions
// --------------------------------------------------------------------------

func banCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "ban <user-id>",
		Short: "Permanently ban a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config) error {
				s, err := eng.Moderation.Ban(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if s == nil {
					logger.Info("User already banned", "user_id", args[0])
					return nil
				}
				logger.Info("User banned", "user_id", args[0], "sanction_id", s.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the sanction")
	return cmd
}

func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <user-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config) error {
				lifted, err := eng.Moderation.Unban(ctx, args[0])
				if err != nil {
					return err
				}
				logger.Info("Unban finished", "user_id", args[0], "lifted", lifted)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show a user's moderation state and sanctions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine, _ *config.Config) error {
				st, sanctions, err := eng.Moderation.Status(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: %s (%d reports)\n", args[0], st.State(), st.ReportCount)
				for _, s := range sanctions {
					expires := "never"
					if s.ExpiresAt != nil {
						expires = s.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "  %s %-8s active=%-5t issued=%s expires=%s  %s\n",
						s.ID, s.Type, s.IsActive, s.IssuedAt.Format(time.RFC3339), expires, s.Reason)
				}
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// helpers
// --------------------------------------------------------------------------

func runEngine(fn func(ctx context.Context, eng *engine.Engine, cfg *config.Config) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	pg := store.NewPostgres(pool.Pool)
	l, closeLedger, err := engine.OpenLedger(ctx, cfg, pg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeLedger()

	sender, err := engine.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return fn(ctx, engine.New(pg, l, sender, cfg, time.Now, logger), cfg)
}
