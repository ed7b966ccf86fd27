package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the monitor.
const (
	TypeExportConfirmed = "export.confirmed"
	TypeExportExhausted = "export.exhausted"
	TypeSourceChanged   = "source.changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event, inside tx when tx is non-nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, partition, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	const q = `INSERT INTO events(ts,type,partition_name,actor_id,payload_json) VALUES (?,?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, ts, evtType, nullable(partition), actorID, string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, q, ts, evtType, nullable(partition), actorID, string(data))
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
