package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/seed"
)

var (
	seedFile  string
	relayOnce bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context(), cfg)
	},
}

func runMigrate(ctx context.Context, c *config.Config) error {
	if err := c.Validate("migrate"); err != nil {
		return err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	zap.L().Info("migration complete", zap.String("driver", c.Store.Driver))
	return nil
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load firms, members, slots and requests from a YAML fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed(cmd.Context(), cfg, seedFile, cmd.OutOrStdout())
	},
}

func runSeed(ctx context.Context, c *config.Config, path string, out io.Writer) error {
	if err := c.Validate("seed"); err != nil {
		return err
	}
	f, err := seed.LoadFile(path)
	if err != nil {
		return err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	sum, err := seed.Apply(ctx, st, f)
	if err != nil {
		return err
	}
	return writeJSON(out, sum)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Deliver queued assignment notices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cfg, relayOnce, cmd.OutOrStdout())
	},
}

func runRelay(ctx context.Context, c *config.Config, once bool, out io.Writer) error {
	if err := c.Validate("relay"); err != nil {
		return err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	relay, err := initRelay(c, st)
	if err != nil {
		return err
	}
	if !once {
		return relay.Run(ctx)
	}
	stats, err := relay.RunOnce(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, stats)
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "fixtures.yaml", "fixture file to load")
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "process one batch and exit")
	rootCmd.AddCommand(migrateCmd, seedCmd, relayCmd)
}
