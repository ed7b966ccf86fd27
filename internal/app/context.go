// Package app opens a workspace: config, logger, state database and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"backlogwatch/internal/config"
	"backlogwatch/internal/db"
	"backlogwatch/internal/logger"
	"backlogwatch/internal/migrate"
	"backlogwatch/internal/monitor"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/backlogwatch.yml.
	ConfigPath string
	// LogLevel overrides config log.level when set.
	LogLevel    string
	LogEncoding string
	// Stateless skips the state database; cursors then live only in memory.
	Stateless bool
}

// Context is an opened workspace. Close releases the database and flushes the logger.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Engine    monitor.Engine
}

// Open resolves config and state for a workspace. A missing config file falls
// back to defaults unless ConfigPath names it explicitly.
func Open(ctx context.Context, opts Options) (*Context, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log, err := logger.New(level, opts.LogEncoding)
	if err != nil {
		return nil, err
	}
	out := &Context{Workspace: workspace, Config: cfg, Logger: log}

	if !opts.Stateless {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
		}
		out.DB = conn
	}

	e, err := monitor.New(out.DB, cfg, workspace, log)
	if err != nil {
		out.Close()
		return nil, err
	}
	e.PersistCursors = out.DB != nil
	if err := e.RestoreCursors(ctx); err != nil {
		out.Close()
		return nil, fmt.Errorf("restore cursors: %w", err)
	}
	out.Engine = e
	return out, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

func (c *Context) Close() error {
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
