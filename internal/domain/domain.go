package domain

import (
	"strings"
	"time"
)

// Logical snapshot keys used by the monitor besides dated snapshots.
const (
	SnapshotCurrent   = "current"
	SnapshotMorning   = "morning"
	SnapshotAfternoon = "afternoon"
)

// DateLayout is the layout of dated snapshot keys.
const DateLayout = "2006-01-02"

// NormalizeKey trims and upper-cases an order identifier.
func NormalizeKey(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

type Order struct {
	Key       string            `json:"order_key"`
	Status    string            `json:"status,omitempty"`
	Partition string            `json:"partition,omitempty"`
	Rank      *float64          `json:"rank,omitempty"`
	Position  int               `json:"position"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Field returns the raw cell for column name and whether the column was present on the row.
func (o Order) Field(name string) (string, bool) {
	if o.Fields == nil {
		return "", false
	}
	v, ok := o.Fields[name]
	return v, ok
}

// Snapshot is an immutable capture of the backlog table for one logical key.
type Snapshot struct {
	Key         string    `json:"key"`
	Source      string    `json:"source,omitempty"`
	Columns     []string  `json:"columns"`
	Orders      []Order   `json:"orders"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Duplicates  int       `json:"duplicates"`
	Missing     bool      `json:"missing"`
	LoadError   string    `json:"load_error,omitempty"`
	LoadedAt    time.Time `json:"loaded_at" format:"date-time"`
}

func (s Snapshot) Empty() bool { return len(s.Orders) == 0 }

// HasColumn reports whether the header contains name.
func (s Snapshot) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// KeySet returns the set of order keys in the snapshot.
func (s Snapshot) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Orders))
	for _, o := range s.Orders {
		set[o.Key] = struct{}{}
	}
	return set
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	Partition string `json:"partition,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
