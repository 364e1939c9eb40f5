package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbaas/dbaas/pkg/provisioning"
)

func newProvisionCommand() *cobra.Command {
	var req provisioning.ProvisionRequest

	cmd := &cobra.Command{
		Use:   "provision NAME",
		Short: "Provision a database",
		Long: `Record the request and provision the database on the least loaded infra
serving its plan and environment. Repeating an identical request returns the
existing database.`,
		Example: `  dbaas provision orders --plan mysql-small --environment prod --project shop`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			return withRuntime(cmd.Context(), runtimeOptions{policy: true}, func(ctx context.Context, rt *runtime) error {
				db, err := rt.orch.Provision(ctx, req)
				if err != nil {
					return err
				}
				return printDatabase(db)
			})
		},
	}

	cmd.Flags().StringVar(&req.Plan, "plan", "", "catalog plan")
	cmd.Flags().StringVar(&req.Environment, "environment", "", "target environment")
	cmd.Flags().StringVar(&req.Project, "project", "", "owning project")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}

func newBindCommand() *cobra.Command {
	var req provisioning.BindRequest

	cmd := &cobra.Command{
		Use:   "bind INSTANCE",
		Short: "Bind an application to a database",
		Long: `Issue or reuse the credential of the database and print the connection
variables for the application. INSTANCE is a database name, "ENV/NAME" or an ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Instance, req.Environment = splitEnvironment(args[0], req.Environment)
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				res, err := rt.orch.Bind(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				keys := make([]string, 0, len(res.Env))
				for k := range res.Env {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(stdout, "%s=%s\n", k, res.Env[k])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Environment, "environment", "", "environment of the database")
	cmd.Flags().StringVar(&req.AppHost, "app-host", "", "application hostname")
	cmd.Flags().StringVar(&req.UnitHost, "unit-host", "", "unit hostname (default app-host)")
	_ = cmd.MarkFlagRequired("app-host")

	return cmd
}

func newUnbindCommand() *cobra.Command {
	var req provisioning.UnbindRequest

	cmd := &cobra.Command{
		Use:   "unbind INSTANCE",
		Short: "Remove the binds of one host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Instance, req.Environment = splitEnvironment(args[0], req.Environment)
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				res, err := rt.orch.Unbind(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Fprintf(stdout, "Removed %d bind(s) of %s\n", res.Removed, req.Host)
				if res.Quarantined {
					fmt.Fprintf(stdout, "Database %s quarantined\n", res.Database.Key())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Environment, "environment", "", "environment of the database")
	cmd.Flags().StringVar(&req.Host, "host", "", "unit hostname to unbind")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func newStatusCommand() *cobra.Command {
	var environment string

	cmd := &cobra.Command{
		Use:   "status INSTANCE",
		Short: "Check the health of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, env := splitEnvironment(args[0], environment)
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				snap, err := rt.orch.Status(ctx, instance, env)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(snap)
				}
				if snap.Healthy {
					fmt.Fprintf(stdout, "%s is healthy\n", snap.Database.Key())
					return nil
				}
				return fmt.Errorf("%s is unhealthy: %s", snap.Database.Key(), snap.Reason)
			})
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "", "environment of the database")

	return cmd
}

func newQuarantineCommand() *cobra.Command {
	var environment string

	cmd := &cobra.Command{
		Use:   "quarantine NAME",
		Short: "Logically delete a database",
		Long: `Quarantine an active database. Its engine objects are kept until it is
purged, and its name cannot be reused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, env := splitEnvironment(args[0], environment)
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				db, err := rt.orch.Quarantine(ctx, name, env)
				if err != nil {
					return err
				}
				return printDatabase(db)
			})
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "", "environment of the database")
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}

func newPurgeCommand() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "purge [ID]",
		Short: "Physically remove quarantined databases",
		Long: `Remove a quarantined database and its users from the engine. Without an
ID, every database quarantined for longer than --grace is purged.`,
		Example: `  # Purge one database
  dbaas purge 6f1c0d5e-8a7b-4f0e-9d1a-2b3c4d5e6f70

  # Purge everything quarantined more than 30 days ago
  dbaas purge --grace 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				if len(args) == 1 {
					db, err := rt.orch.Purge(ctx, args[0])
					if err != nil {
						return err
					}
					return printDatabase(db)
				}

				if !cmd.Flags().Changed("grace") {
					grace = rt.cfg.Provisioning.QuarantineGrace
				}
				n, err := rt.orch.PurgeExpired(ctx, grace)
				if jsonOutput {
					if perr := printJSON(map[string]interface{}{"purged": n}); perr != nil {
						return perr
					}
				} else {
					fmt.Fprintf(stdout, "Purged %d database(s)\n", n)
				}
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum quarantine age (default provisioning.quarantine_grace)")

	return cmd
}

func newReconcileCommand() *cobra.Command {
	var opts provisioning.ReconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resume pending databases once",
		Long: `Apply every database left REQUESTED or PROVISIONING, for example after a
crash. With --include-failed, FAILED databases are retried too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{policy: true}, func(ctx context.Context, rt *runtime) error {
				summary, err := rt.orch.Reconcile(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(summary); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(stdout, "%d pending: %d succeeded, %d failed, %d skipped in %s\n",
						summary.Total, summary.Succeeded, summary.Failed, summary.Skipped, summary.Duration)
				}
				return summary.Err()
			})
		},
	}

	cmd.Flags().IntVar(&opts.MaxParallel, "parallel", 0, "maximum concurrent applies (0 uses the default)")
	cmd.Flags().BoolVar(&opts.IncludeFailed, "include-failed", false, "retry FAILED databases as well")

	return cmd
}
