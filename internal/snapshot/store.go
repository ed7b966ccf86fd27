// Package snapshot loads backlog snapshots from the data directory.
//
// A snapshot that is absent or unreadable loads as an empty table flagged
// Missing or with LoadError set; callers treat that as "no data", never as fatal.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"backlogwatch/internal/config"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/logger"
)

// Store resolves logical snapshot keys to files under Dir.
type Store struct {
	Dir     string
	Files   map[string]string
	Dated   string
	Columns Columns
	Logger  *zap.Logger
	Now     func() time.Time
}

// NewStore builds a store from config rooted at workspace.
func NewStore(cfg *config.Config, workspace string, log *zap.Logger) *Store {
	files := make(map[string]string, len(cfg.Data.Files))
	for k, v := range cfg.Data.Files {
		files[k] = v
	}
	return &Store{
		Dir:   cfg.DataDir(workspace),
		Files: files,
		Dated: cfg.Data.Dated,
		Columns: Columns{
			Key:       cfg.Columns.Key,
			Status:    cfg.Columns.Status,
			Partition: cfg.Columns.Partition,
			Rank:      cfg.Columns.Rank,
		},
		Logger: logger.OrNop(log),
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Path returns the file backing key. Keys shaped like 2006-01-02 use the dated pattern.
func (s *Store) Path(key string) (string, error) {
	if name, ok := s.Files[key]; ok && name != "" {
		return filepath.Join(s.Dir, name), nil
	}
	if _, err := time.Parse(domain.DateLayout, key); err == nil {
		if s.Dated == "" {
			return "", fmt.Errorf("no dated snapshot pattern configured for %s", key)
		}
		return filepath.Join(s.Dir, strings.ReplaceAll(s.Dated, "{date}", key)), nil
	}
	return "", fmt.Errorf("unknown snapshot key %s", key)
}

// Load reads the snapshot for key. Only context cancellation is returned as an
// error; missing or unreadable resources yield an empty snapshot.
func (s *Store) Load(ctx context.Context, key string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	log := logger.OrNop(s.Logger).With(zap.String("snapshot", key))
	snap := domain.Snapshot{Key: key, LoadedAt: s.now().UTC()}
	path, err := s.Path(key)
	if err != nil {
		log.Warn("snapshot key not resolvable", zap.Error(err))
		snap.Missing = true
		snap.LoadError = err.Error()
		return snap, nil
	}
	snap.Source = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("snapshot file not found", zap.String("path", path))
			snap.Missing = true
			return snap, nil
		}
		log.Error("snapshot file unreadable", zap.String("path", path), zap.Error(err))
		snap.LoadError = err.Error()
		return snap, nil
	}
	header, rows, err := ReadTable(Format(path), data)
	if err != nil {
		log.Error("snapshot file could not be parsed", zap.String("path", path), zap.Error(err))
		snap.LoadError = err.Error()
		return snap, nil
	}
	header, renamed := UniqueHeader(header)
	if renamed > 0 {
		log.Warn("repeated column names renamed", zap.Int("columns", renamed), zap.Strings("header", header))
	}
	built := Build(key, header, rows, s.Columns)
	built.Source = path
	built.LoadedAt = snap.LoadedAt
	built.Fingerprint = Fingerprint(data)
	if built.Duplicates > 0 {
		log.Warn("duplicate order keys collapsed (last row wins)", zap.Int("duplicates", built.Duplicates))
	}
	log.Debug("snapshot loaded", zap.Int("orders", len(built.Orders)), zap.String("fingerprint", built.Fingerprint))
	return built, nil
}

// CurrentFingerprint hashes the raw bytes of the resource behind key.
// An absent resource has the empty fingerprint.
func (s *Store) CurrentFingerprint(key string) (string, error) {
	path, err := s.Path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return Fingerprint(data), nil
}

// Fingerprint is the hex SHA-256 of data. It detects change, not tampering.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
