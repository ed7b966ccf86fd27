// Package report turns reconciliation outcomes into chart-ready panels.
package report

import (
	"errors"
	"math"

	"backlogwatch/internal/domain"
	"backlogwatch/internal/reconcile"
)

// Slice labels used for the treated/untreated pie.
const (
	SliceTreated    = "Tratados"
	SliceUntreated  = "Não tratados"
	unavailableNote = "dados insuficientes para comparação"
)

// Entry is one labelled reconciliation outcome. Exactly one of Result or Err is meaningful.
type Entry struct {
	ID        string
	Label     string
	Reference string
	Compare   string
	Result    reconcile.Result
	Err       error
	// Rows are the reference-side orders, used to export the persistent subset.
	Rows []domain.Order
}

type Slice struct {
	Label string  `json:"label"`
	Value int     `json:"value"`
	Share float64 `json:"share"`
}

// Panel is either an aggregate (Available) or an explicit unavailable marker.
type Panel struct {
	ID              string         `json:"id"`
	Label           string         `json:"label"`
	Reference       string         `json:"reference"`
	Compare         string         `json:"compare"`
	Mode            string         `json:"mode,omitempty"`
	Category        string         `json:"category,omitempty"`
	Available       bool           `json:"available"`
	Reason          string         `json:"reason,omitempty"`
	Total           int            `json:"total"`
	Treated         int            `json:"treated"`
	Persistent      int            `json:"persistent"`
	Entered         int            `json:"entered"`
	TreatedShare    float64        `json:"treated_share"`
	PersistentShare float64        `json:"persistent_share"`
	Slices          []Slice        `json:"slices,omitempty"`
	PersistentRows  []domain.Order `json:"persistent_rows,omitempty"`
	EnteredKeys     []string       `json:"entered_keys,omitempty"`
}

// Assemble builds one panel per entry, in order. Errors never turn into zero
// counts: a failed entry yields Available=false with the reason.
func Assemble(entries []Entry) []Panel {
	panels := make([]Panel, 0, len(entries))
	for _, en := range entries {
		p := Panel{ID: en.ID, Label: en.Label, Reference: en.Reference, Compare: en.Compare}
		if en.Err != nil {
			p.Reason = reason(en.Err)
			panels = append(panels, p)
			continue
		}
		r := en.Result
		p.Available = true
		p.Mode = string(r.Mode)
		p.Category = r.Category
		p.Total = r.Total
		p.Treated = r.TreatedCount
		p.Persistent = r.PersistentCount
		p.Entered = r.EnteredCount
		p.TreatedShare = share(r.TreatedCount, r.Total)
		p.PersistentShare = share(r.PersistentCount, r.Total)
		if r.Total > 0 {
			p.Slices = []Slice{
				{Label: SliceTreated, Value: r.TreatedCount, Share: p.TreatedShare},
				{Label: SliceUntreated, Value: r.PersistentCount, Share: p.PersistentShare},
			}
		}
		if r.Mode == reconcile.ModeDayOverDay {
			p.EnteredKeys = r.Entered
		}
		p.PersistentRows = PersistentRows(r, en.Rows)
		panels = append(panels, p)
	}
	return panels
}

// PersistentRows selects the rows whose keys are persistent, keeping row order.
func PersistentRows(r reconcile.Result, rows []domain.Order) []domain.Order {
	if len(r.Persistent) == 0 || len(rows) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(r.Persistent))
	for _, k := range r.Persistent {
		keep[k] = struct{}{}
	}
	var out []domain.Order
	for _, o := range rows {
		if _, ok := keep[o.Key]; ok {
			out = append(out, o)
		}
	}
	return out
}

func reason(err error) string {
	var nc *reconcile.NotComputableError
	if errors.As(err, &nc) {
		return nc.Reason
	}
	if errors.Is(err, reconcile.ErrNotComputable) {
		return unavailableNote
	}
	return err.Error()
}

func share(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
