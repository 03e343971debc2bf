package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/db"
)

// withRepository opens a short-lived database connection, runs fn and prints
// its result as JSON.
func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo *db.Repository) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	conn, err := db.NewConnection(cfg.Database.URL, 1, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	result, err := fn(cmd.Context(), db.NewRepository(conn))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func newAddNetworkCmd() *cobra.Command {
	var n db.Network

	cmd := &cobra.Command{
		Use:   "add-network",
		Short: "Create or update a network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n.Title == "" {
				return fmt.Errorf("--title is required")
			}
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				if err := repo.UpsertNetwork(ctx, &n); err != nil {
					return nil, err
				}
				return n, nil
			})
		},
	}

	cmd.Flags().StringVar(&n.Title, "title", "", "network title")
	cmd.Flags().BoolVar(&n.NeedProxy, "need-proxy", false, "leases of this network need a proxy")
	cmd.Flags().BoolVar(&n.DynamicLimits, "dynamic-limits", false, "draw limits around the base value")
	return cmd
}

func newAddParsingTypeCmd() *cobra.Command {
	var (
		network string
		code    string
		pt      db.ParsingType
	)

	cmd := &cobra.Command{
		Use:   "add-parsing-type",
		Short: "Create or update a parsing type and its base limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if network == "" || pt.Title == "" {
				return fmt.Errorf("--network and --title are required")
			}
			if pt.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			if code != "" {
				pt.Code = &code
			}
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				n, err := repo.GetNetworkByTitle(ctx, network)
				if err != nil {
					return nil, err
				}
				pt.NetworkID = n.ID
				if err := repo.UpsertParsingType(ctx, &pt); err != nil {
					return nil, err
				}
				return map[string]any{"id": pt.ID, "network": n.Title, "title": pt.Title, "limit": pt.Limit}, nil
			})
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "network title")
	cmd.Flags().StringVar(&pt.Title, "title", "", "parsing type title")
	cmd.Flags().StringVar(&code, "code", "", "parsing type code")
	cmd.Flags().IntVar(&pt.Limit, "limit", 0, "base request limit")
	return cmd
}

func newAddCredentialsCmd() *cobra.Command {
	var (
		network  string
		disabled bool
		c        db.Credentials
	)

	cmd := &cobra.Command{
		Use:   "add-credentials",
		Short: "Create or update network credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if network == "" || c.Login == "" {
				return fmt.Errorf("--network and --login are required")
			}
			c.Enabled = !disabled
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				n, err := repo.GetNetworkByTitle(ctx, network)
				if err != nil {
					return nil, err
				}
				c.NetworkID = n.ID
				if err := repo.UpsertCredentials(ctx, &c); err != nil {
					return nil, err
				}
				return c, nil
			})
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "network title")
	cmd.Flags().StringVar(&c.Login, "login", "", "account login")
	cmd.Flags().StringVar(&c.Password, "password", "", "account password")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "keep the credentials out of pairing")
	return cmd
}

func newAddProxyCmd() *cobra.Command {
	var (
		p       db.Proxy
		login   string
		pass    string
		expires string
		price   int
	)

	cmd := &cobra.Command{
		Use:   "add-proxy",
		Short: "Register a proxy and its current rent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.Host == "" || p.Port <= 0 {
				return fmt.Errorf("--host and --port are required")
			}
			if login != "" {
				p.Login = &login
			}
			if pass != "" {
				p.Password = &pass
			}

			var expiration *time.Time
			if expires != "" {
				t, err := time.Parse(time.DateOnly, expires)
				if err != nil {
					return fmt.Errorf("invalid --expires: %w", err)
				}
				expiration = &t
			}
			var pricePtr *int
			if cmd.Flags().Changed("price") {
				pricePtr = &price
			}

			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				rented, err := repo.ProvisionProxy(ctx, &p, expiration, pricePtr)
				if err != nil {
					return nil, err
				}
				return map[string]any{"proxy_id": p.ID, "rent_added": rented}, nil
			})
		},
	}

	cmd.Flags().StringVar(&p.Scheme, "scheme", "socks5", "proxy scheme")
	cmd.Flags().StringVar(&p.Host, "host", "", "proxy host")
	cmd.Flags().IntVar(&p.Port, "port", 0, "proxy port")
	cmd.Flags().StringVar(&login, "login", "", "proxy login")
	cmd.Flags().StringVar(&pass, "password", "", "proxy password")
	cmd.Flags().BoolVar(&p.Mobile, "mobile", false, "mobile proxy")
	cmd.Flags().StringVar(&p.Market, "market", "", "proxy seller")
	cmd.Flags().StringVar(&expires, "expires", "", "rent expiration date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&price, "price", 0, "rent price")
	return cmd
}

// newSetLeaseEnabledCmd switches a lease in or out of dispatching.
func newSetLeaseEnabledCmd(use string, enabled bool) *cobra.Command {
	short := "Take a lease out of dispatching"
	if enabled {
		short = "Return a lease to dispatching"
	}

	return &cobra.Command{
		Use:   use + " <lease-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid lease id %q", id)
			}
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				if err := repo.SetLeaseEnabled(ctx, id, enabled); err != nil {
					return nil, err
				}
				return repo.GetLease(ctx, id)
			})
		},
	}
}

func newNetworksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				return repo.ListNetworks(ctx)
			})
		},
	}
}

func newUsageCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "usage <lease-id>",
		Short: "Show the latest usage records of a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid lease id %q", id)
			}
			if limit <= 0 {
				limit = 20
			}
			return withRepository(cmd, func(ctx context.Context, repo *db.Repository) (any, error) {
				return repo.ListUsageRecords(ctx, id, limit)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	return cmd
}
