// Package main is the Tollgate admin CLI. It talks to the database and
// key-value store directly, bypassing the HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/config"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/licensing"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type adminEnv struct {
	database *db.DB
	service  *licensing.Service
	logger   zerolog.Logger
	cleanup  func()
}

func connect(ctx context.Context) (*adminEnv, error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		return nil, err
	}

	var kv kvstore.Store
	cleanup := func() { database.Close() }
	if cfg.RedisURL != "" {
		redisKV, err := kvstore.NewRedis(cfg.RedisURL, logger)
		if err != nil {
			database.Close()
			return nil, err
		}
		kv = redisKV
		cleanup = func() {
			_ = redisKV.Close()
			database.Close()
		}
	} else {
		kv = kvstore.NewMemory()
	}

	clk := clock.New()
	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.TokenTTL, clk)
	if err != nil {
		cleanup()
		return nil, err
	}

	engine := quota.NewEngine(kv, clk, logger)
	service := licensing.NewService(database, engine, codec, clk, logger)

	return &adminEnv{database: database, service: service, logger: logger, cleanup: cleanup}, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "tollgate-admin",
		Short:         "Administer Tollgate licenses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(licenseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage licenses",
	}
	cmd.AddCommand(
		licenseCreateCmd(),
		licenseListCmd(),
		licenseSuspendCmd(),
		licenseReactivateCmd(),
		licenseRevokeCmd(),
		licenseUpgradeCmd(),
		licenseHistoryCmd(),
		licenseTokenCmd(),
	)
	return cmd
}

func licenseCreateCmd() *cobra.Command {
	var (
		tenantName    string
		maxApps       int
		maxExecutions int
		validDays     int
		contactEmail  string
		contactName   string
		noToken       bool
	)

	cmd := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			now := time.Now()
			name := tenantName
			if name == "" {
				name = args[0]
			}

			lic, signed, err := env.service.Create(ctx, licensing.CreateParams{
				TenantID:            args[0],
				TenantName:          name,
				MaxApps:             maxApps,
				MaxExecutionsPer24h: maxExecutions,
				ValidFrom:           now,
				ValidTo:             now.AddDate(0, 0, validDays),
				ContactEmail:        contactEmail,
				ContactName:         contactName,
				CreatedBy:           "tollgate-admin",
				GenerateToken:       !noToken,
			})
			if err != nil {
				return err
			}

			out := map[string]any{"license": lic}
			if signed != "" {
				out["token"] = signed
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&tenantName, "name", "", "tenant display name (defaults to tenant id)")
	cmd.Flags().IntVar(&maxApps, "max-apps", 10, "maximum registered applications")
	cmd.Flags().IntVar(&maxExecutions, "max-executions", 1000, "maximum executions per 24h")
	cmd.Flags().IntVar(&validDays, "valid-days", 365, "validity period in days")
	cmd.Flags().StringVar(&contactEmail, "contact-email", "", "contact email")
	cmd.Flags().StringVar(&contactName, "contact-name", "", "contact name")
	cmd.Flags().BoolVar(&noToken, "no-token", false, "skip minting the initial bearer token")
	return cmd
}

func licenseListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			licenses, err := env.database.ListLicenses(ctx, db.LicenseFilter{
				Status: models.LicenseStatus(status),
			})
			if err != nil {
				return err
			}
			return printJSON(licenses)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (ACTIVE, SUSPENDED, REVOKED)")
	return cmd
}

func resolveLicenseID(ctx context.Context, env *adminEnv, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	lic, err := env.database.GetLicenseByTenantID(ctx, ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("license %q: %w", ref, err)
	}
	return lic.ID, nil
}

func licenseActionCmd(use, short string, run func(ctx context.Context, env *adminEnv, id uuid.UUID, reason string) (any, error)) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " <license-id|tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			id, err := resolveLicenseID(ctx, env, args[0])
			if err != nil {
				return err
			}

			out, err := run(ctx, env, id, reason)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the license history")
	return cmd
}

func licenseSuspendCmd() *cobra.Command {
	return licenseActionCmd("suspend", "Suspend a license",
		func(ctx context.Context, env *adminEnv, id uuid.UUID, reason string) (any, error) {
			return env.service.Suspend(ctx, id, reason, "tollgate-admin")
		})
}

func licenseReactivateCmd() *cobra.Command {
	return licenseActionCmd("reactivate", "Reactivate a suspended license",
		func(ctx context.Context, env *adminEnv, id uuid.UUID, reason string) (any, error) {
			return env.service.Reactivate(ctx, id, reason, "tollgate-admin")
		})
}

func licenseRevokeCmd() *cobra.Command {
	return licenseActionCmd("revoke", "Permanently revoke a license",
		func(ctx context.Context, env *adminEnv, id uuid.UUID, reason string) (any, error) {
			return env.service.Revoke(ctx, id, reason, "tollgate-admin")
		})
}

func licenseUpgradeCmd() *cobra.Command {
	var (
		maxApps       int
		maxExecutions int
		validDays     int
		reason        string
	)

	cmd := &cobra.Command{
		Use:   "upgrade <license-id|tenant-id>",
		Short: "Change license limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			id, err := resolveLicenseID(ctx, env, args[0])
			if err != nil {
				return err
			}

			params := licensing.UpgradeParams{}
			if cmd.Flags().Changed("max-apps") {
				params.MaxApps = &maxApps
			}
			if cmd.Flags().Changed("max-executions") {
				params.MaxExecutionsPer24h = &maxExecutions
			}
			if cmd.Flags().Changed("valid-days") {
				validTo := time.Now().AddDate(0, 0, validDays)
				params.ValidTo = &validTo
			}

			lic, err := env.service.Upgrade(ctx, id, params, reason, "tollgate-admin")
			if err != nil {
				return err
			}
			return printJSON(lic)
		},
	}

	cmd.Flags().IntVar(&maxApps, "max-apps", 0, "new maximum registered applications")
	cmd.Flags().IntVar(&maxExecutions, "max-executions", 0, "new maximum executions per 24h")
	cmd.Flags().IntVar(&validDays, "valid-days", 0, "extend validity to N days from now")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the upgrade")
	return cmd
}

func licenseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <license-id|tenant-id>",
		Short: "Show the license audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			id, err := resolveLicenseID(ctx, env, args[0])
			if err != nil {
				return err
			}

			history, err := env.service.History(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(history)
		},
	}
}

func licenseTokenCmd() *cobra.Command {
	var expiresInHours int

	cmd := &cobra.Command{
		Use:   "token <tenant-id>",
		Short: "Mint a bearer token for a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := connect(ctx)
			if err != nil {
				return err
			}
			defer env.cleanup()

			lic, err := env.database.GetLicenseByTenantID(ctx, args[0])
			if err != nil {
				return err
			}

			signed, expiresAt, err := env.service.MintToken(ctx, lic, time.Duration(expiresInHours)*time.Hour)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"token":      signed,
				"expires_at": expiresAt,
				"tenant_id":  args[0],
			})
		},
	}

	cmd.Flags().IntVar(&expiresInHours, "expires-in-hours", 24, "token lifetime in hours")
	return cmd
}
