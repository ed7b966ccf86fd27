// Package reconcile compares a reference snapshot with a later comparison snapshot
// and splits the reference orders into treated and persistent sets.
//
// Precondition: order keys are normalized and unique within each snapshot. The
// snapshot store enforces this at load time; Reconcile does not re-check it.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"backlogwatch/internal/classify"
	"backlogwatch/internal/domain"
)

// Mode selects how the comparison snapshot relates to the reference.
type Mode string

const (
	// ModeShift compares two captures of the same day (morning vs afternoon).
	ModeShift Mode = "shift"
	// ModeDayOverDay compares consecutive days and also reports entered orders.
	ModeDayOverDay Mode = "day_over_day"
)

// Reason explains why an order was counted as treated.
type Reason string

const (
	ReasonDisappeared   Reason = "disappeared"
	ReasonStatusChanged Reason = "status_changed"
)

// ErrNotComputable marks a comparison that cannot be made with the given inputs.
var ErrNotComputable = errors.New("not computable")

type NotComputableError struct {
	Reason string
}

func (e *NotComputableError) Error() string { return "not computable: " + e.Reason }

func (e *NotComputableError) Is(target error) bool { return target == ErrNotComputable }

func notComputable(format string, args ...any) error {
	return &NotComputableError{Reason: fmt.Sprintf(format, args...)}
}

// Options configures one reconciliation.
type Options struct {
	Mode Mode
	// Category restricts the reference set; nil compares every order.
	Category *classify.Category
	// KeyColumn and StatusColumn are checked for presence on both sides.
	KeyColumn    string
	StatusColumn string
	// RequireStatus enables status-change detection. When false only
	// disappearance counts as treated.
	RequireStatus bool
	// CategoryOnBothSides also filters the comparison lookup by Category, so an
	// order that is still present but no longer a member counts as treated.
	CategoryOnBothSides bool
	// Now is the reference time for threshold categories on the reference side;
	// CompareNow applies to the comparison side and defaults to Now.
	Now        time.Time
	CompareNow time.Time
}

type Result struct {
	Mode            Mode              `json:"mode"`
	Category        string            `json:"category,omitempty"`
	Total           int               `json:"total"`
	TreatedCount    int               `json:"treated_count"`
	PersistentCount int               `json:"persistent_count"`
	EnteredCount    int               `json:"entered_count"`
	Treated         []string          `json:"treated"`
	Persistent      []string          `json:"persistent"`
	Entered         []string          `json:"entered,omitempty"`
	TreatedReasons  map[string]Reason `json:"treated_reasons,omitempty"`
}

// Reconcile partitions the (optionally category-filtered) reference keys into
// Treated and Persistent relative to cmp. In ModeDayOverDay it also lists the
// keys that entered the category on the comparison side.
func Reconcile(ref, cmp domain.Snapshot, opts Options) (Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeShift
	}
	if opts.CompareNow.IsZero() {
		opts.CompareNow = opts.Now
	}
	if opts.Mode != ModeShift && opts.Mode != ModeDayOverDay {
		return Result{}, fmt.Errorf("invalid comparison mode %q", opts.Mode)
	}
	if ref.Empty() {
		return Result{}, notComputable("reference snapshot %s is empty", ref.Key)
	}
	if cmp.Empty() {
		return Result{}, notComputable("comparison snapshot %s is empty", cmp.Key)
	}
	if opts.KeyColumn == "" {
		return Result{}, notComputable("no order key column configured")
	}
	if !ref.HasColumn(opts.KeyColumn) {
		return Result{}, notComputable("reference snapshot %s lacks column %s", ref.Key, opts.KeyColumn)
	}
	if !cmp.HasColumn(opts.KeyColumn) {
		return Result{}, notComputable("comparison snapshot %s lacks column %s", cmp.Key, opts.KeyColumn)
	}
	for _, side := range []domain.Snapshot{ref, cmp} {
		for _, o := range side.Orders {
			if o.Key == "" {
				return Result{}, notComputable("snapshot %s has orders without %s", side.Key, opts.KeyColumn)
			}
		}
	}
	if opts.RequireStatus && opts.StatusColumn != "" {
		if !ref.HasColumn(opts.StatusColumn) {
			return Result{}, notComputable("reference snapshot %s lacks column %s", ref.Key, opts.StatusColumn)
		}
		if !cmp.HasColumn(opts.StatusColumn) {
			return Result{}, notComputable("comparison snapshot %s lacks column %s", cmp.Key, opts.StatusColumn)
		}
	}

	res := Result{
		Mode:           opts.Mode,
		Treated:        []string{},
		Persistent:     []string{},
		TreatedReasons: map[string]Reason{},
	}
	if opts.Category != nil {
		res.Category = opts.Category.Name
	}

	lookup := make(map[string]string, len(cmp.Orders))
	for _, o := range cmp.Orders {
		if opts.CategoryOnBothSides && opts.Category != nil && !classify.Classify(o, *opts.Category, opts.CompareNow) {
			continue
		}
		lookup[o.Key] = o.Status
	}
	for _, o := range ref.Orders {
		if opts.Category != nil && !classify.Classify(o, *opts.Category, opts.Now) {
			continue
		}
		res.Total++
		status, present := lookup[o.Key]
		switch {
		case !present:
			res.Treated = append(res.Treated, o.Key)
			res.TreatedReasons[o.Key] = ReasonDisappeared
		case opts.RequireStatus && status != o.Status:
			res.Treated = append(res.Treated, o.Key)
			res.TreatedReasons[o.Key] = ReasonStatusChanged
		default:
			res.Persistent = append(res.Persistent, o.Key)
		}
	}

	if opts.Mode == ModeDayOverDay {
		res.Entered = entered(ref, cmp, opts)
		res.EnteredCount = len(res.Entered)
	}

	sort.Strings(res.Treated)
	sort.Strings(res.Persistent)
	res.TreatedCount = len(res.Treated)
	res.PersistentCount = len(res.Persistent)
	return res, nil
}

// entered lists comparison-side category members absent from the unfiltered
// reference key set.
func entered(ref, cmp domain.Snapshot, opts Options) []string {
	refKeys := ref.KeySet()
	out := []string{}
	for _, o := range cmp.Orders {
		if opts.Category != nil && !classify.Classify(o, *opts.Category, opts.CompareNow) {
			continue
		}
		if _, ok := refKeys[o.Key]; ok {
			continue
		}
		out = append(out, o.Key)
	}
	sort.Strings(out)
	return out
}
