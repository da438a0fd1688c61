package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/assign"
	"github.com/sells-group/assignment-service/internal/calendar"
	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/notify"
	"github.com/sells-group/assignment-service/internal/outbox"
	"github.com/sells-group/assignment-service/internal/scorer"
	"github.com/sells-group/assignment-service/internal/store"
)

// initStore opens the configured backend.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initOrchestrator wires the scoring engine, business calendar and store
// into an assignment orchestrator.
func initOrchestrator(c *config.Config, st store.Store) (*assign.Orchestrator, error) {
	weights, err := scorer.ResolveWeights(c.Assignment)
	if err != nil {
		return nil, eris.Wrap(err, "resolve weights")
	}
	engine, err := scorer.NewEngine(weights)
	if err != nil {
		return nil, eris.Wrap(err, "build scoring engine")
	}
	cal, err := calendar.New(c.Calendar)
	if err != nil {
		return nil, eris.Wrap(err, "build calendar")
	}
	return assign.New(st, engine, cal, calendar.SystemClock{}, assign.OptionsFrom(c.Assignment)), nil
}

// initDispatcher returns the webhook dispatcher when a URL is configured and
// the log-only dispatcher otherwise.
func initDispatcher(c *config.Config) (notify.Dispatcher, error) {
	if c.Notify.WebhookURL == "" {
		zap.L().Warn("notify: no webhook_url configured, notices are logged only")
		return notify.LogDispatcher{}, nil
	}
	return notify.NewWebhookDispatcher(c.Notify)
}

func initRelay(c *config.Config, st store.Store) (*outbox.Relay, error) {
	d, err := initDispatcher(c)
	if err != nil {
		return nil, eris.Wrap(err, "init dispatcher")
	}
	return outbox.NewRelay(st, d, outbox.OptionsFrom(c.Outbox)), nil
}

// openForMode validates the config for mode and opens the store.
func openForMode(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return initStore(ctx, cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
