package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"backlogwatch/internal/domain"
)

const apiKeyPrefix = "bw_"

// HashAPIKey is the stored form of a key; the plaintext is never persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey issues a key for a CLI or integration actor and returns the
// plaintext once.
func (r Repo) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(plain),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// GetAPIKeyByHash resolves a presented key hash.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, actor_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, actor_id, COALESCE(name,''), key_hash, created_at FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deletes a key by id.
func (r Repo) RevokeAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(s scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := s.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}
