package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vin-jex/archive-orchestrator/internal/orchestrator"
	"github.com/vin-jex/archive-orchestrator/internal/request"
	"github.com/vin-jex/archive-orchestrator/internal/store"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending database migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.Migrate(opts.Config.DatabaseURL); err != nil {
				return err
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Message("migrations applied")
		},
	}
}

type ListOptions struct {
	*RootOptions
	Kinds   []string
	States  []string
	Session string
	Page    int
	Size    int
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List requests matching a filter",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := request.Filter{Tenant: opts.Tenant, Session: opts.Session}
			for _, raw := range opts.Kinds {
				kind, err := request.ParseKind(raw)
				if err != nil {
					return err
				}
				filter.Kinds = append(filter.Kinds, kind)
			}
			for _, raw := range opts.States {
				state, err := request.ParseState(raw)
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}

			return withOrchestrator(cmd, opts.RootOptions, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				result, err := o.Requests.FindPaged(ctx, filter, request.Page{Number: opts.Page, Size: opts.Size})
				if err != nil {
					return err
				}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Requests(result.Requests)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "request kinds to include")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "request states to include")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session name")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&opts.Size, "size", 100, "page size")

	return cmd
}

// NewAbortCommand aborts synchronously, unlike the HTTP endpoint.
func NewAbortCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "abort",
		Short:        "Abort every running request of the tenant",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd, opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if err := o.Scheduler.AbortRunning(ctx, opts.Tenant); err != nil {
					return err
				}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).
					Message(fmt.Sprintf("running requests of %s aborted", opts.Tenant))
			})
		},
	}
}

type IDsOptions struct {
	*RootOptions
	IDs []int64
}

func (o *IDsOptions) bind(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&o.IDs, "id", nil, "request id, may be repeated")
	_ = cmd.MarkFlagRequired("id")
}

func NewRelaunchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IDsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "relaunch",
		Short:        "Relaunch aborted or failed requests",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd, opts.RootOptions, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				relaunched, err := o.Scheduler.Relaunch(ctx, opts.IDs)
				if err != nil {
					return err
				}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).IDs("relaunched", requestIDs(relaunched))
			})
		},
	}
	opts.bind(cmd)

	return cmd
}

type DecideOptions struct {
	IDsOptions
	Mode string
}

func NewDecideCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecideOptions{IDsOptions: IDsOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:          "decide",
		Short:        "Resolve ingests waiting on a versioning decision",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := request.ParseVersioningMode(opts.Mode)
			if err != nil {
				return err
			}

			return withOrchestrator(cmd, opts.RootOptions, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				decided, err := o.Scheduler.Decide(ctx, opts.IDs, mode)
				if err != nil {
					return err
				}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).IDs("decided", requestIDs(decided))
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "IGNORE, INC_VERSION or REPLACE")
	_ = cmd.MarkFlagRequired("mode")

	return cmd
}

func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IDsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "delete",
		Short:        "Delete requests and cancel their outstanding work",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd, opts.RootOptions, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				deleted, err := o.Scheduler.DeleteRequests(ctx, opts.IDs)
				if err != nil {
					return err
				}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).IDs("deleted", deleted)
			})
		},
	}
	opts.bind(cmd)

	return cmd
}
