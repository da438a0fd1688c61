package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/assignment-service/internal/api"
	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/outbox"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort    int
	serveNoRelay bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assignment API and the notification relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := openForMode(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		orch, err := initOrchestrator(cfg, st)
		if err != nil {
			return err
		}

		var relay *outbox.Relay
		if !serveNoRelay {
			relay, err = initRelay(cfg, st)
			if err != nil {
				return err
			}
		}

		srv := newServer(cfg, api.NewRouter(orch, st, api.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		}))
		return runServer(ctx, srv, relay)
	},
}

func newServer(c *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Server.Port),
		Handler:           h,
		ReadHeaderTimeout: time.Duration(c.Server.ReadTimeoutSecs) * time.Second,
		ReadTimeout:       time.Duration(c.Server.ReadTimeoutSecs) * time.Second,
	}
}

// runServer serves until ctx is cancelled, then drains in-flight requests.
// The relay, when given, runs alongside and stops with the server.
func runServer(ctx context.Context, srv *http.Server, relay *outbox.Relay) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
	})

	return g.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoRelay, "no-relay", false, "do not run the notification relay in this process")
	rootCmd.AddCommand(serveCmd)
}
