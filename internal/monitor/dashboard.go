package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backlogwatch/internal/classify"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/reconcile"
	"backlogwatch/internal/report"
)

// SnapshotInfo is the per-snapshot "no data" indicator shown with the dashboard.
type SnapshotInfo struct {
	Key        string `json:"key"`
	Source     string `json:"source,omitempty"`
	Orders     int    `json:"orders"`
	Duplicates int    `json:"duplicates"`
	Missing    bool   `json:"missing"`
	LoadError  string `json:"load_error,omitempty"`
}

type Dashboard struct {
	GeneratedAt string         `json:"generated_at" format:"date-time"`
	Date        string         `json:"date"`
	Snapshots   []SnapshotInfo `json:"snapshots"`
	Panels      []report.Panel `json:"panels"`
}

// DashboardOptions selects the day the dashboard is computed for.
type DashboardOptions struct {
	// Date is the comparison day; yesterday is the reference for day-over-day panels.
	// Zero means today.
	Date time.Time
}

type panelSpec struct {
	id       string
	label    string
	ref, cmp string
	mode     reconcile.Mode
	category *classify.Category
	refNow   time.Time
	cmpNow   time.Time
}

func (e Engine) panelSpecs(day time.Time) []panelSpec {
	cfg := e.Config
	var specs []panelSpec
	if cfg.Dashboard.ShiftOverall {
		specs = append(specs, panelSpec{
			id: "shift", label: "Pedidos tratados (manhã x tarde)",
			ref: domain.SnapshotMorning, cmp: domain.SnapshotAfternoon,
			mode: reconcile.ModeShift, refNow: day, cmpNow: day,
		})
	}
	for _, name := range cfg.Dashboard.ShiftCategories {
		cat, ok := e.Catalog.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, panelSpec{
			id: "shift:" + cat.Name, label: cat.DisplayName() + " (manhã x tarde)",
			ref: domain.SnapshotMorning, cmp: domain.SnapshotAfternoon,
			mode: reconcile.ModeShift, category: &cat, refNow: day, cmpNow: day,
		})
	}
	if cfg.Data.Dated != "" {
		prev := day.AddDate(0, 0, -1)
		for _, name := range cfg.Dashboard.DayOverDayCategories {
			cat, ok := e.Catalog.Get(name)
			if !ok {
				continue
			}
			specs = append(specs, panelSpec{
				id: "day:" + cat.Name, label: cat.DisplayName() + " (dia anterior x hoje)",
				ref: prev.Format(domain.DateLayout), cmp: day.Format(domain.DateLayout),
				mode: reconcile.ModeDayOverDay, category: &cat, refNow: prev, cmpNow: day,
			})
		}
	}
	return specs
}

// Dashboard loads the snapshots the configured panels need and reconciles each
// panel independently; an unavailable panel never blocks the others.
func (e Engine) Dashboard(ctx context.Context, opts DashboardOptions) (Dashboard, error) {
	day := opts.Date
	if day.IsZero() {
		day = e.now()
	}
	specs := e.panelSpecs(day)
	snaps, order, err := e.loadAll(ctx, specs)
	if err != nil {
		return Dashboard{}, err
	}
	entries := make([]report.Entry, 0, len(specs))
	for _, sp := range specs {
		entries = append(entries, e.reconcileSpec(sp, snaps[sp.ref], snaps[sp.cmp]))
	}
	d := Dashboard{
		GeneratedAt: e.now().UTC().Format(time.RFC3339),
		Date:        day.Format(domain.DateLayout),
		Panels:      report.Assemble(entries),
	}
	for _, key := range order {
		s := snaps[key]
		d.Snapshots = append(d.Snapshots, SnapshotInfo{
			Key: key, Source: s.Source, Orders: len(s.Orders), Duplicates: s.Duplicates,
			Missing: s.Missing, LoadError: s.LoadError,
		})
	}
	return d, nil
}

// Panel recomputes a single dashboard panel by id.
func (e Engine) Panel(ctx context.Context, id string, opts DashboardOptions) (report.Panel, error) {
	day := opts.Date
	if day.IsZero() {
		day = e.now()
	}
	for _, sp := range e.panelSpecs(day) {
		if sp.id != id {
			continue
		}
		snaps, _, err := e.loadAll(ctx, []panelSpec{sp})
		if err != nil {
			return report.Panel{}, err
		}
		return report.Assemble([]report.Entry{e.reconcileSpec(sp, snaps[sp.ref], snaps[sp.cmp])})[0], nil
	}
	return report.Panel{}, fmt.Errorf("panel %s: %w", id, ErrUnknownPanel)
}

func (e Engine) reconcileSpec(sp panelSpec, ref, cmp domain.Snapshot) report.Entry {
	cols := e.Config.Columns
	res, err := reconcile.Reconcile(ref, cmp, reconcile.Options{
		Mode:          sp.mode,
		Category:      sp.category,
		KeyColumn:     cols.Key,
		StatusColumn:  cols.Status,
		RequireStatus: cols.Status != "",
		Now:           sp.refNow,
		CompareNow:    sp.cmpNow,
	})
	if err != nil {
		e.log().Info("panel unavailable", zap.String("panel", sp.id), zap.Error(err))
	} else if sp.category != nil {
		if missing := classify.MissingColumns(ref, *sp.category); len(missing) > 0 {
			e.log().Warn("category columns missing; no order can qualify",
				zap.String("panel", sp.id), zap.Strings("columns", missing))
		}
	}
	return report.Entry{
		ID: sp.id, Label: sp.label, Reference: sp.ref, Compare: sp.cmp,
		Result: res, Err: err, Rows: ref.Orders,
	}
}

// loadAll loads every distinct snapshot key used by specs concurrently.
func (e Engine) loadAll(ctx context.Context, specs []panelSpec) (map[string]domain.Snapshot, []string, error) {
	var order []string
	seen := map[string]bool{}
	for _, sp := range specs {
		for _, k := range []string{sp.ref, sp.cmp} {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}
	var mu sync.Mutex
	snaps := make(map[string]domain.Snapshot, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		key := key
		g.Go(func() error {
			s, err := e.Store.Load(gctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			snaps[key] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return snaps, order, nil
}
