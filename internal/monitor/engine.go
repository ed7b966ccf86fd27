package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backlogwatch/internal/classify"
	"backlogwatch/internal/config"
	"backlogwatch/internal/cursor"
	"backlogwatch/internal/events"
	"backlogwatch/internal/logger"
	"backlogwatch/internal/repo"
	"backlogwatch/internal/snapshot"
)

// Engine wires snapshot loading, classification, reconciliation and the export cursor.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Store   *snapshot.Store
	Catalog *classify.Catalog
	Cursors *cursor.Store
	Config  *config.Config
	Logger  *zap.Logger
	Now     func() time.Time
	// PersistCursors saves the cursor state after every change, so short-lived
	// CLI processes continue where the previous run stopped.
	PersistCursors bool
}

// New builds an engine over an open, migrated database. db may be nil, in
// which case events and cursor persistence are disabled.
func New(db *sql.DB, cfg *config.Config, workspace string, log *zap.Logger) (Engine, error) {
	catalog, err := classify.NewCatalog(cfg.Categories)
	if err != nil {
		return Engine{}, err
	}
	log = logger.OrNop(log)
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Store:   snapshot.NewStore(cfg, workspace, log),
		Catalog: catalog,
		Cursors: cursor.NewStore(cfg.Export.BatchSize),
		Config:  cfg,
		Logger:  log,
		Now:     time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	return logger.OrNop(e.Logger)
}

// RestoreCursors loads the persisted cursor state into the in-memory store.
func (e Engine) RestoreCursors(ctx context.Context) error {
	if e.DB == nil {
		return nil
	}
	st, err := e.Repo.LoadCursorState(ctx)
	if err != nil {
		return err
	}
	e.Cursors.Restore(st)
	return nil
}

// saveCursors writes st when cursor persistence is on.
func (e Engine) saveCursors(ctx context.Context, st cursor.State) error {
	if !e.PersistCursors || e.DB == nil {
		return nil
	}
	if err := e.Repo.SaveCursorState(ctx, st); err != nil {
		return fmt.Errorf("save cursor state: %w", err)
	}
	return nil
}

// persist saves the current cursor state after a reset; failures are logged
// because a lost reset only repeats batches.
func (e Engine) persist(ctx context.Context) {
	if err := e.saveCursors(ctx, e.Cursors.State()); err != nil {
		e.log().Error("save cursor state failed", zap.Error(err))
	}
}

func (e Engine) appendEvent(ctx context.Context, evtType, partition, actorID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, nil, evtType, partition, actorID, payload); err != nil {
		e.log().Error("append event failed", zap.String("type", evtType), zap.Error(err))
	}
}
