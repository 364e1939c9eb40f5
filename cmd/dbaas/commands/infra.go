package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
)

// Environment variable read by `infra add` and `infra rotate` when
// --password is not given.
const envInfraPassword = "DBAAS_INFRA_PASSWORD"

func newInfraCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infra",
		Short: "Manage engine infrastructures",
		Long: `Register and maintain the engine deployments databases are placed on.

An infra is one engine deployment (a MySQL server, a PostgreSQL cluster, a
MongoDB replica set or a Redis server) serving one plan in one environment.`,
	}

	cmd.AddCommand(newInfraAddCommand())
	cmd.AddCommand(newInfraListCommand())
	cmd.AddCommand(newInfraRotateCommand())
	cmd.AddCommand(newInfraImportCommand())
	cmd.AddCommand(newInfraRefreshCommand())

	return cmd
}

func passwordFlag(password string) string {
	if password != "" {
		return password
	}
	return os.Getenv(envInfraPassword)
}

func newInfraAddCommand() *cobra.Command {
	var infra models.Infra
	var password string

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register an infra",
		Long: `Register an infra after verifying its administrative credential.

The password is read from --password or $DBAAS_INFRA_PASSWORD.`,
		Example: `  dbaas infra add pg-prod-01 --engine postgres --version 16 \
    --endpoint pg-prod-01:5432 --user postgres --plan pg-small --environment prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infra.Name = args[0]
			infra.Password = passwordFlag(password)
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				if err := rt.orch.RegisterInfra(ctx, &infra); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(&infra)
				}
				fmt.Fprintf(stdout, "Registered infra %s (%s)\n", infra.Name, infra.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&infra.Engine, "engine", "", "engine type (mysql, postgres, mongodb, redis)")
	cmd.Flags().StringVar(&infra.EngineVersion, "version", "", "engine version")
	cmd.Flags().StringSliceVar(&infra.Endpoints, "endpoint", nil, "host:port of an engine node (repeatable)")
	cmd.Flags().StringVar(&infra.User, "user", "", "administrative user")
	cmd.Flags().StringVar(&password, "password", "", "administrative password")
	cmd.Flags().StringVar(&infra.Plan, "plan", "", "catalog plan the infra serves")
	cmd.Flags().StringVar(&infra.Environment, "environment", "", "environment the infra serves")
	cmd.Flags().IntVar(&infra.Capacity, "capacity", 0, "maximum databases hosted (0 uses the plan capacity)")
	for _, name := range []string{"engine", "version", "endpoint", "plan", "environment"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newInfraListCommand() *cobra.Command {
	var filter stores.InfraFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List infras with their load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				infras, err := rt.store.ListInfras(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(infras)
				}

				rows := make([][]string, 0, len(infras))
				for _, infra := range infras {
					load, err := rt.store.CountDatabasesByInfra(ctx, infra.ID)
					if err != nil {
						return err
					}
					suspect := ""
					if infra.CredentialSuspect {
						suspect = "credential suspect"
					}
					rows = append(rows, []string{
						infra.Name, infra.Engine + "@" + infra.EngineVersion, infra.Plan,
						infra.Environment, infra.Endpoint(), strconv.Itoa(load), suspect,
					})
				}
				return printTable([]string{"NAME", "ENGINE", "PLAN", "ENVIRONMENT", "ENDPOINT", "DATABASES", "STATUS"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&filter.Engine, "engine", "", "filter by engine")
	cmd.Flags().StringVar(&filter.Plan, "plan", "", "filter by plan")
	cmd.Flags().StringVar(&filter.Environment, "environment", "", "filter by environment")

	return cmd
}

func newInfraRotateCommand() *cobra.Command {
	var user, password string

	cmd := &cobra.Command{
		Use:   "rotate NAME|ID",
		Short: "Replace the administrative credential of an infra",
		Long: `Replace the administrative credential of an infra. The new credential
is verified against the engine before it is stored, and a successful rotation
clears the credential-suspect flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				if err := rt.orch.RotateInfraCredential(ctx, args[0], user, passwordFlag(password)); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]string{"infra": args[0], "status": "rotated"})
				}
				fmt.Fprintf(stdout, "Rotated credential of infra %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "administrative user")
	cmd.Flags().StringVar(&password, "password", "", "new administrative password")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newInfraImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import NAME|ID",
		Short: "Adopt databases that already exist on an infra",
		Long: `Record every user database found on the infra as ACTIVE. System
databases and databases already known are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				n, err := rt.orch.ImportDatabases(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"infra": args[0], "imported": n})
				}
				fmt.Fprintf(stdout, "Imported %d database(s) from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newInfraRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [NAME|ID]",
		Short: "Refresh database sizes from the engines",
		Long:  `Store the used and total size each infra reports for its active databases. Without an argument every infra is refreshed.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return withRuntime(cmd.Context(), runtimeOptions{}, func(ctx context.Context, rt *runtime) error {
				n, err := rt.orch.RefreshSizes(ctx, ref)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"updated": n})
				}
				fmt.Fprintf(stdout, "Refreshed sizes of %d database(s)\n", n)
				return nil
			})
		},
	}
}
