package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/app"
	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/db"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "leasectl",
		Short:        "Run credentials-manager jobs once",
		SilenceUsage: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newJobCmd("dispatch", "Publish available leases to their network queues", func(ctx context.Context, a *app.App) (any, error) {
			return a.Leases.Dispatch(ctx)
		}),
		newJobCmd("recover", "Return expired leases to available", func(ctx context.Context, a *app.App) (any, error) {
			recovered, err := a.Leases.Recover(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"recovered": len(recovered)}, nil
		}),
		newJobCmd("pairings", "Create leases for unpaired credentials", func(ctx context.Context, a *app.App) (any, error) {
			return a.Leases.GeneratePairings(ctx)
		}),
		newCheckCmd(),
		newAddNetworkCmd(),
		newAddParsingTypeCmd(),
		newAddCredentialsCmd(),
		newAddProxyCmd(),
		newSetLeaseEnabledCmd("enable-lease", true),
		newSetLeaseEnabledCmd("disable-lease", false),
		newNetworksCmd(),
		newUsageCmd(),
	)

	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := db.NewConnection(cfg.Database.URL, 1, 1)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer conn.Close()

			if err := db.Migrate(conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var all bool

	cmd := newJobCmd("check-proxies", "Check proxy health and rent expiry", func(ctx context.Context, a *app.App) (any, error) {
		return a.Checker.CheckAll(ctx, all)
	})
	cmd.Flags().BoolVar(&all, "all", false, "check disabled proxies too")
	return cmd
}

// newJobCmd builds a subcommand that runs one job and prints its summary as JSON.
func newJobCmd(use, short string, run func(ctx context.Context, a *app.App) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := run(ctx, a)
			if err != nil {
				logger.Error("Job failed", zap.String("job", use), zap.Error(err))
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
