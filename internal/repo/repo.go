package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"backlogwatch/internal/cursor"
	"backlogwatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ListEvents returns up to limit events with id > afterID, oldest first.
func (r Repo) ListEvents(ctx context.Context, limit int, afterID int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(partition_name,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Partition, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TailEvents returns the latest limit events, oldest first.
func (r Repo) TailEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(partition_name,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Partition, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// SaveCursorState replaces the persisted cursor positions and fingerprint.
func (r Repo) SaveCursorState(ctx context.Context, st cursor.State) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cursor_positions`); err != nil {
		return err
	}
	for _, p := range st.Positions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cursor_positions(partition_name,batch_offset,size,exhausted,updated_at) VALUES (?,?,?,?,?)`,
			p.Partition, p.Offset, p.Size, boolInt(p.Exhausted), now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO source_state(id,fingerprint,updated_at) VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET fingerprint=excluded.fingerprint, updated_at=excluded.updated_at`, st.Fingerprint, now); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadCursorState reads the persisted cursor state; an empty workspace yields a zero State.
func (r Repo) LoadCursorState(ctx context.Context) (cursor.State, error) {
	var st cursor.State
	err := r.DB.QueryRowContext(ctx, `SELECT fingerprint FROM source_state WHERE id=1`).Scan(&st.Fingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT partition_name,batch_offset,size,exhausted FROM cursor_positions ORDER BY partition_name`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var p cursor.Position
		var exhausted int
		if err := rows.Scan(&p.Partition, &p.Offset, &p.Size, &exhausted); err != nil {
			return st, err
		}
		p.Exhausted = exhausted != 0
		st.Positions = append(st.Positions, p)
	}
	return st, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
