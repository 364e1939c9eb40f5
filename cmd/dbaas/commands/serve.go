package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dbaas/dbaas/pkg/api"
)

func newServeCommand() *cobra.Command {
	var (
		dev      bool
		listen   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the reconciler",
		Long: `Serve the tsuru service broker and the database API, and reconcile
pending databases in the background.

Every interval the reconciler:
  - resumes databases left REQUESTED or PROVISIONING
  - purges quarantined databases past their grace period
  - refreshes database sizes from each infra

With --dev the store is in memory, the fake engine is registered and, unless
catalog_paths is set, a built-in catalog with one fake infra is used.`,
		Example: `  # Run with a configuration file
  dbaas serve --config /etc/dbaas/config.yaml

  # Run a throwaway local instance
  dbaas serve --dev --listen 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{dev: dev, policy: true}, func(ctx context.Context, rt *runtime) error {
				serverCfg := rt.cfg.Server
				if listen != "" {
					serverCfg.Listen = listen
				}

				srv, err := api.NewServer(rt.orch,
					api.WithTelemetry(rt.tel),
					api.WithDefaultEnvironment(serverCfg.DefaultEnvironment),
				)
				if err != nil {
					return err
				}

				if len(rt.cfg.PolicyPaths) > 0 {
					if err := rt.policy.Watch(ctx, rt.cfg.PolicyPaths); err != nil {
						return err
					}
				}
				if err := rt.tel.StartMetricsServer(); err != nil {
					return err
				}

				rt.tel.Logger.WithFields(map[string]interface{}{
					"dev":      dev,
					"listen":   serverCfg.Listen,
					"interval": interval.String(),
				}).Info("Starting dbaas")

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return srv.ListenAndServe(ctx, serverCfg)
				})
				g.Go(func() error {
					return rt.orch.Run(ctx, interval)
				})
				return g.Wait()
			})
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "run with an in-memory store and the fake engine")
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "reconciliation interval")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		Long: `Apply pending schema migrations to the configured store and exit.

Migrations also run on every start, so this is only needed to prepare a
store ahead of a deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"status": "migrated", "store": cfg.Store.Path})
			}
			_, err = stdout.Write([]byte("Store " + cfg.Store.Path + " is up to date\n"))
			return err
		},
	}
}
