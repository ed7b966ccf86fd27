package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"backlogwatch/internal/cursor"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/events"
	"backlogwatch/internal/export"
)

var (
	// ErrNoData means the current snapshot is absent, unreadable or empty.
	ErrNoData       = errors.New("current snapshot has no data")
	ErrUnknownPanel = errors.New("unknown panel")
)

// Board lists every partition of the current snapshot with its next batch.
type Board struct {
	Fingerprint string          `json:"fingerprint"`
	Orders      int             `json:"orders"`
	NoData      bool            `json:"no_data"`
	Reason      string          `json:"reason,omitempty"`
	Partitions  []cursor.Window `json:"partitions"`
}

// Batch is a delivered export file.
type Batch struct {
	ExportID    string        `json:"export_id"`
	FileName    string        `json:"file_name"`
	Format      string        `json:"format"`
	ContentType string        `json:"content_type"`
	Window      cursor.Window `json:"window"`
	Data        []byte        `json:"-"`
}

// SortOrders orders by rank ascending; unranked orders follow ranked ones in
// first-seen order.
func SortOrders(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i].Rank, orders[j].Rank
		switch {
		case a != nil && b != nil:
			if *a != *b {
				return *a < *b
			}
			return orders[i].Position < orders[j].Position
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return orders[i].Position < orders[j].Position
	})
}

// GroupPartitions splits the snapshot by partition, each sorted by rank.
// Orders without a partition are left out.
func GroupPartitions(snap domain.Snapshot) (names []string, groups map[string][]domain.Order) {
	groups = map[string][]domain.Order{}
	for _, o := range snap.Orders {
		p := strings.TrimSpace(o.Partition)
		if p == "" {
			continue
		}
		groups[p] = append(groups[p], o)
	}
	for name, orders := range groups {
		SortOrders(orders)
		names = append(names, name)
	}
	sort.Strings(names)
	return names, groups
}

func (e Engine) loadCurrent(ctx context.Context) (domain.Snapshot, error) {
	snap, err := e.Store.Load(ctx, domain.SnapshotCurrent)
	if err != nil {
		return snap, err
	}
	e.observe(ctx, snap.Fingerprint, "load")
	return snap, nil
}

// observe feeds a fingerprint to the cursor store and records a reset.
func (e Engine) observe(ctx context.Context, fingerprint, trigger string) bool {
	if fingerprint == "" {
		return false
	}
	prev := e.Cursors.Fingerprint()
	if !e.Cursors.SourceChanged(fingerprint) {
		if prev != fingerprint {
			e.persist(ctx)
		}
		return false
	}
	e.log().Info("source data changed; export cursors reset",
		zap.String("trigger", trigger), zap.String("fingerprint", fingerprint))
	e.appendEvent(ctx, events.TypeSourceChanged, "", "", events.EventPayload{
		"previous": prev, "fingerprint": fingerprint, "trigger": trigger,
	})
	e.persist(ctx)
	return true
}

// CheckSource hashes the current snapshot resource and resets every cursor if
// it changed since the last check.
func (e Engine) CheckSource(ctx context.Context) (bool, error) {
	fp, err := e.Store.CurrentFingerprint(domain.SnapshotCurrent)
	if err != nil {
		return false, err
	}
	return e.observe(ctx, fp, "check"), nil
}

// Partitions returns the board for the current snapshot.
func (e Engine) Partitions(ctx context.Context) (Board, error) {
	snap, err := e.loadCurrent(ctx)
	if err != nil {
		return Board{}, err
	}
	b := Board{Fingerprint: snap.Fingerprint, Orders: len(snap.Orders), Partitions: []cursor.Window{}}
	if snap.Empty() {
		b.NoData = true
		b.Reason = noDataReason(snap)
		return b, nil
	}
	names, groups := GroupPartitions(snap)
	for _, name := range names {
		b.Partitions = append(b.Partitions, e.Cursors.Peek(name, len(groups[name])))
	}
	return b, nil
}

// Partition returns the next batch window for one partition without advancing it.
func (e Engine) Partition(ctx context.Context, partition string) (cursor.Window, error) {
	snap, err := e.loadCurrent(ctx)
	if err != nil {
		return cursor.Window{}, err
	}
	if snap.Empty() {
		return cursor.Window{}, fmt.Errorf("%s: %w", noDataReason(snap), ErrNoData)
	}
	_, groups := GroupPartitions(snap)
	partition = strings.TrimSpace(partition)
	return e.Cursors.Peek(partition, len(groups[partition])), nil
}

// ExportBatch produces the next batch of partition as a file and advances its
// cursor. An exhausted partition returns cursor.ErrExhausted with the
// unchanged window.
func (e Engine) ExportBatch(ctx context.Context, partition, format, actorID string) (Batch, error) {
	return e.ExportBatchFunc(ctx, partition, format, actorID, nil)
}

// ExportBatchFunc is ExportBatch with a delivery step. deliver receives the
// finished batch before the cursor moves; when it fails, or the new cursor
// position cannot be saved, the partition stays where it was.
func (e Engine) ExportBatchFunc(ctx context.Context, partition, format, actorID string, deliver func(Batch) error) (Batch, error) {
	if format == "" {
		format = e.Config.Export.Format
	}
	if err := export.CheckFormat(format); err != nil {
		return Batch{}, err
	}
	snap, err := e.loadCurrent(ctx)
	if err != nil {
		return Batch{}, err
	}
	if snap.Empty() {
		return Batch{}, fmt.Errorf("%s: %w", noDataReason(snap), ErrNoData)
	}
	partition = strings.TrimSpace(partition)
	_, groups := GroupPartitions(snap)
	orders := groups[partition]

	batch := Batch{Format: format, ContentType: export.ContentType(format)}
	w, err := e.Cursors.ConfirmCommit(partition, len(orders), func(w cursor.Window) error {
		var buf bytes.Buffer
		if err := export.Write(&buf, format, snap.Columns, orders[w.Lo():w.Hi()]); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		batch.Data = buf.Bytes()
		batch.Window = w
		batch.ExportID = uuid.NewString()
		batch.FileName = export.FileName(e.Config.Export.FilePrefix, partition, w.Start, w.End, format)
		if deliver != nil {
			if err := deliver(batch); err != nil {
				return fmt.Errorf("deliver %s: %w", batch.FileName, err)
			}
		}
		return nil
	}, func(st cursor.State) error {
		return e.saveCursors(ctx, st)
	})
	batch.Window = w
	if errors.Is(err, cursor.ErrExhausted) {
		e.appendEvent(ctx, events.TypeExportExhausted, partition, actorID, events.EventPayload{"size": w.Size})
		e.persist(ctx)
		return batch, err
	}
	if err != nil {
		e.log().Warn("batch not confirmed; cursor unchanged",
			zap.String("partition", partition), zap.Int("start", w.Start), zap.Int("end", w.End), zap.Error(err))
		return Batch{}, err
	}
	e.appendEvent(ctx, events.TypeExportConfirmed, partition, actorID, events.EventPayload{
		"export_id":   batch.ExportID,
		"start":       w.Start,
		"end":         w.End,
		"size":        w.Size,
		"file_name":   batch.FileName,
		"fingerprint": snap.Fingerprint,
	})
	e.log().Info("batch exported",
		zap.String("partition", partition), zap.Int("start", w.Start), zap.Int("end", w.End), zap.Int("size", w.Size))
	return batch, nil
}

// PanelExport writes the persistent rows of a dashboard panel as a file.
func (e Engine) PanelExport(ctx context.Context, id, format string, opts DashboardOptions) (Batch, error) {
	if format == "" {
		format = e.Config.Export.Format
	}
	if err := export.CheckFormat(format); err != nil {
		return Batch{}, err
	}
	p, err := e.Panel(ctx, id, opts)
	if err != nil {
		return Batch{}, err
	}
	if !p.Available {
		return Batch{}, fmt.Errorf("panel %s unavailable (%s): %w", id, p.Reason, ErrNoData)
	}
	snap, err := e.Store.Load(ctx, p.Reference)
	if err != nil {
		return Batch{}, err
	}
	data, err := export.Bytes(format, snap.Columns, p.PersistentRows)
	if err != nil {
		return Batch{}, err
	}
	name := strings.NewReplacer(":", "_").Replace(id)
	return Batch{
		ExportID:    uuid.NewString(),
		FileName:    export.FileName(e.Config.Export.FilePrefix, name+"_persistentes", 1, len(p.PersistentRows), format),
		Format:      format,
		ContentType: export.ContentType(format),
		Window:      cursor.Window{Partition: id, Offset: 0, Start: 1, End: len(p.PersistentRows), Size: len(p.PersistentRows)},
		Data:        data,
	}, nil
}

func noDataReason(snap domain.Snapshot) string {
	switch {
	case snap.Missing:
		return fmt.Sprintf("snapshot %s not found", snap.Key)
	case snap.LoadError != "":
		return fmt.Sprintf("snapshot %s unreadable: %s", snap.Key, snap.LoadError)
	}
	return fmt.Sprintf("snapshot %s is empty", snap.Key)
}
