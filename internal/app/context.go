// Package app wires storage, configuration, logging and notification
// delivery into a ready-to-use engine for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"cmdgate/internal/config"
	"cmdgate/internal/db"
	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
	"cmdgate/internal/logging"
	"cmdgate/internal/migrate"
	"cmdgate/internal/notify"
	"cmdgate/internal/sweep"
)

// Options selects the workspace and optional config override.
type Options struct {
	Workspace  string
	ConfigPath string
	// Logger replaces the logger built from config when set.
	Logger *zerolog.Logger
}

// Context is an opened workspace.
type Context struct {
	DB         *sql.DB
	Config     *config.Config
	Log        zerolog.Logger
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	nats       *nats.Conn
}

// LoadConfig reads the config override when given, else the workspace file.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

// Open opens the workspace database, applies migrations and builds the
// engine with its notification pipeline.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Logging)
	if opts.Logger != nil {
		log = *opts.Logger
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c := &Context{DB: conn, Config: cfg, Log: log, Engine: eng}

	sinks := []notify.Sink{notify.LogSink{Log: log}}
	if url := cfg.Notify.NATS.URL; url != "" {
		nc, err := notify.ConnectNATS(url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("nats unavailable; approval events will not be published there")
		} else {
			c.nats = nc
			sinks = append(sinks, notify.NewNATSSink(nc, cfg.Notify.NATS.SubjectPrefix))
		}
	}
	sinks = append(sinks, notify.NewWebhookSinks(cfg.Notify.Webhooks)...)
	c.Dispatcher = notify.NewDispatcher(log, cfg.Notify.Workers, cfg.Notify.QueueSize, sinks,
		notify.OnDelivered(c.markNotified))
	c.Engine.Notifier = c.Dispatcher
	return c, nil
}

func (c *Context) markNotified(ctx context.Context, evt notify.Event) {
	if evt.Type != notify.ApprovalRequested {
		return
	}
	now := time.Now().UTC().Format(domain.TimeLayout)
	if err := c.Engine.Repo.MarkNotified(ctx, evt.RequestID, now); err != nil {
		c.Log.Warn().Err(err).Str("request_id", evt.RequestID).Msg("mark notified")
	}
}

// Sweeper returns the expiry loop configured for this workspace.
func (c *Context) Sweeper() sweep.Sweeper {
	return sweep.Sweeper{
		Expirer:  c.Engine,
		Interval: c.Config.Sweeper.Interval.Duration,
		Log:      c.Log.With().Str("component", "sweeper").Logger(),
	}
}

// Close drains pending notifications and releases every resource.
func (c *Context) Close() error {
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	if c.nats != nil {
		if err := c.nats.Drain(); err != nil {
			c.nats.Close()
		}
	}
	c.Engine.Close()
	return c.DB.Close()
}
