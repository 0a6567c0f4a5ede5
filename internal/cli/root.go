package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vin-jex/archive-orchestrator/internal/config"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/observability"
	"github.com/vin-jex/archive-orchestrator/internal/orchestrator"
	"github.com/vin-jex/archive-orchestrator/internal/store"
)

// Opener connects to the request ledger. The returned func releases it.
type Opener func(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	Tenant string

	Config config.Config
	Open   Opener
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the operator CLI.
func NewRootCommand(cfg config.Config, open Opener) *cobra.Command {
	opts := &RootOptions{Config: cfg, Open: open}

	cmd := &cobra.Command{
		Use:   "curatorctl",
		Short: "Operate the archive request orchestrator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", cfg.Tenant, "tenant the command applies to")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewAbortCommand(opts))
	cmd.AddCommand(NewRelaunchCommand(opts))
	cmd.AddCommand(NewDecideCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))

	return cmd
}

// OpenPostgres is the Opener used by the binary.
func OpenPostgres(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, func(), error) {
	logger, err := observability.NewLogger("curatorctl", cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	storeLayer, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	// Never scraped: the process exits after one command.
	metrics, err := notifier.NewPrometheus(prometheus.NewRegistry())
	if err != nil {
		storeLayer.Close()
		return nil, nil, err
	}

	o := orchestrator.New(
		orchestrator.PostgresBackend(storeLayer, cfg.Worker.MaxAttempts),
		metrics,
		cfg,
		logger,
	)
	return o, func() {
		_ = logger.Sync()
		storeLayer.Close()
	}, nil
}

func withOrchestrator(
	cmd *cobra.Command,
	opts *RootOptions,
	fn func(ctx context.Context, o *orchestrator.Orchestrator) error,
) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	o, release, err := opts.Open(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx, o)
}
