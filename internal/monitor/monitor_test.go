package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backlogwatch/internal/config"
	"backlogwatch/internal/cursor"
	"backlogwatch/internal/db"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/events"
	"backlogwatch/internal/export"
	"backlogwatch/internal/migrate"
)

const monitorConfig = `data:
  files:
    current: atual.csv
    morning: manha.csv
    afternoon: tarde.csv
  dated: dia_{date}.csv
export:
  format: csv
  batch_size: 3
dashboard:
  shift_overall: true
  shift_categories: []
  day_over_day_categories: [critico, atraso_sla_2x]
`

type fixture struct {
	workspace string
	cfg       *config.Config
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "data"), 0o755))
	cfg, err := config.FromYAML([]byte(monitorConfig))
	require.NoError(t, err)
	return fixture{workspace: workspace, cfg: cfg}
}

func (f fixture) write(t *testing.T, name string, lines ...string) {
	t.Helper()
	body := "PedidoFormatado;Status;Carteira;Ranking;Critico;DiasEmAberto;SLA\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "data", name), []byte(body), 0o644))
}

func (f fixture) engine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: f.workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e, err := New(conn, f.cfg, f.workspace, nil)
	require.NoError(t, err)
	e.PersistCursors = true
	require.NoError(t, e.RestoreCursors(context.Background()))
	return e
}

func TestSortOrders(t *testing.T) {
	r := func(v float64) *float64 { return &v }
	orders := []domain.Order{
		{Key: "U1", Position: 0},
		{Key: "R3", Rank: r(3), Position: 1},
		{Key: "R1", Rank: r(1), Position: 2},
		{Key: "U2", Position: 3},
		{Key: "R1b", Rank: r(1), Position: 4},
	}
	SortOrders(orders)
	var keys []string
	for _, o := range orders {
		keys = append(keys, o.Key)
	}
	require.Equal(t, []string{"R1", "R1b", "R3", "U1", "U2"}, keys)
}

func TestExportBatchAcrossProcesses(t *testing.T) {
	f := newFixture(t)
	var lines []string
	for i := 7; i >= 1; i-- {
		lines = append(lines, fmt.Sprintf("P%d;Aberto;NORTE;%d;0;1;1", i, i))
	}
	lines = append(lines, "S1;Aberto;;1;0;1;1")
	f.write(t, "atual.csv", lines...)
	ctx := context.Background()

	e := f.engine(t)
	b, err := e.ExportBatch(ctx, "NORTE", "", "ana")
	require.NoError(t, err)
	require.Equal(t, "Pedidos_NORTE_1_to_3.csv", b.FileName)
	require.Contains(t, string(b.Data), "P1,")
	require.NotContains(t, string(b.Data), "P4,")

	board, err := e.Partitions(ctx)
	require.NoError(t, err)
	require.Len(t, board.Partitions, 1, "orders without partition are not exported")

	// A fresh engine on the same workspace continues where the first stopped.
	e2 := f.engine(t)
	b, err = e2.ExportBatch(ctx, "NORTE", "csv", "ana")
	require.NoError(t, err)
	require.Equal(t, 4, b.Window.Start)
	require.Equal(t, 6, b.Window.End)
	b, err = e2.ExportBatch(ctx, "NORTE", "csv", "ana")
	require.NoError(t, err)
	require.Equal(t, 7, b.Window.Start)
	require.Equal(t, 7, b.Window.End)
	_, err = e2.ExportBatch(ctx, "NORTE", "csv", "ana")
	require.ErrorIs(t, err, cursor.ErrExhausted)

	evs, err := e2.Repo.ListEvents(ctx, 10, 0, events.TypeExportConfirmed)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, "NORTE", evs[0].Partition)

	_, err = e2.ExportBatch(ctx, "NORTE", "pdf", "ana")
	require.ErrorIs(t, err, export.ErrUnsupportedFormat)
}

func TestExportBatchDeliveryFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.write(t, "atual.csv", "A;Aberto;NORTE;1;0;1;1", "B;Aberto;NORTE;2;0;1;1", "C;Aberto;NORTE;3;0;1;1", "D;Aberto;NORTE;4;0;1;1")
	ctx := context.Background()
	e := f.engine(t)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	toDir := func(dir string) func(Batch) error {
		return func(b Batch) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dir, b.FileName), b.Data, 0o644)
		}
	}

	_, err := e.ExportBatchFunc(ctx, "NORTE", "", "ana", toDir(filepath.Join(blocker, "out")))
	require.Error(t, err)
	w, err := e.Partition(ctx, "NORTE")
	require.NoError(t, err)
	require.Equal(t, 1, w.Start)

	// nothing was saved either
	w, err = f.engine(t).Partition(ctx, "NORTE")
	require.NoError(t, err)
	require.Equal(t, 1, w.Start)
	evs, err := e.Repo.ListEvents(ctx, 10, 0, events.TypeExportConfirmed)
	require.NoError(t, err)
	require.Empty(t, evs)

	out := filepath.Join(t.TempDir(), "out")
	b, err := e.ExportBatchFunc(ctx, "NORTE", "", "ana", toDir(out))
	require.NoError(t, err)
	require.Equal(t, 1, b.Window.Start)
	data, err := os.ReadFile(filepath.Join(out, b.FileName))
	require.NoError(t, err)
	require.Equal(t, b.Data, data)
	w, err = e.Partition(ctx, "NORTE")
	require.NoError(t, err)
	require.Equal(t, 4, w.Start)
}

func TestExportBatchSaveFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.write(t, "atual.csv", "A;Aberto;NORTE;1;0;1;1", "B;Aberto;NORTE;2;0;1;1")
	ctx := context.Background()
	e := f.engine(t)
	_, err := e.Partitions(ctx)
	require.NoError(t, err)

	require.NoError(t, e.DB.Close())
	delivered := false
	_, err = e.ExportBatchFunc(ctx, "NORTE", "csv", "ana", func(Batch) error { delivered = true; return nil })
	require.Error(t, err)
	require.True(t, delivered)
	require.Equal(t, 1, e.Cursors.Peek("NORTE", 2).Start)
}

func TestCheckSourceResetsCursors(t *testing.T) {
	f := newFixture(t)
	f.write(t, "atual.csv", "A;Aberto;NORTE;1;0;1;1", "B;Aberto;NORTE;2;0;1;1", "C;Aberto;NORTE;3;0;1;1", "D;Aberto;NORTE;4;0;1;1")
	ctx := context.Background()
	e := f.engine(t)

	_, err := e.ExportBatch(ctx, "NORTE", "", "")
	require.NoError(t, err)
	changed, err := e.CheckSource(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	f.write(t, "atual.csv", "A;Aberto;NORTE;1;0;1;1", "E;Aberto;NORTE;2;0;1;1")
	changed, err = e.CheckSource(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	w, err := e.Partition(ctx, "NORTE")
	require.NoError(t, err)
	require.Equal(t, 1, w.Start)
	require.Equal(t, 2, w.End)

	evs, err := e.Repo.ListEvents(ctx, 10, 0, events.TypeSourceChanged)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestNoData(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	board, err := e.Partitions(ctx)
	require.NoError(t, err)
	require.True(t, board.NoData)
	require.Contains(t, board.Reason, "not found")

	_, err = e.ExportBatch(ctx, "NORTE", "", "")
	require.ErrorIs(t, err, ErrNoData)
	_, err = e.Partition(ctx, "NORTE")
	require.ErrorIs(t, err, ErrNoData)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.write(t, "manha.csv", "A;Aberto;N;1;1;1;1", "B;Aberto;N;2;0;1;1")
	f.write(t, "tarde.csv", "A;Aberto;N;1;1;1;1")
	f.write(t, "dia_2024-03-19.csv", "A;Aberto;N;1;1;10;2", "B;Aberto;N;2;1;3;2", "C;Aberto;N;3;0;1;1")
	f.write(t, "dia_2024-03-20.csv", "A;Faturado;N;1;1;11;2", "C;Aberto;N;3;1;1;1", "Z;Aberto;N;4;1;9;2")
	e := f.engine(t)

	day := time.Date(2024, 3, 20, 12, 0, 0, 0, time.Local)
	d, err := e.Dashboard(context.Background(), DashboardOptions{Date: day})
	require.NoError(t, err)
	require.Equal(t, "2024-03-20", d.Date)
	require.Len(t, d.Panels, 3)
	require.Len(t, d.Snapshots, 4)

	shift := d.Panels[0]
	require.Equal(t, "shift", shift.ID)
	require.True(t, shift.Available)
	require.Equal(t, 2, shift.Total)
	require.Equal(t, 1, shift.Treated)

	crit := d.Panels[1]
	require.Equal(t, "day:critico", crit.ID)
	require.True(t, crit.Available)
	require.Equal(t, 2, crit.Total)
	require.Equal(t, 2, crit.Treated) // A changed status, B vanished
	require.Equal(t, []string{"Z"}, crit.EnteredKeys)

	sla := d.Panels[2]
	require.Equal(t, "day:atraso_sla_2x", sla.ID)
	require.Equal(t, 1, sla.Total) // only A: 10 > 2*2+1
	require.Equal(t, 1, sla.Treated)
	require.Equal(t, []string{"Z"}, sla.EnteredKeys) // 9 > 5, absent yesterday

	p, err := e.Panel(context.Background(), "day:critico", DashboardOptions{Date: day})
	require.NoError(t, err)
	require.Equal(t, crit.Total, p.Total)

	_, err = e.Panel(context.Background(), "day:nope", DashboardOptions{Date: day})
	require.True(t, errors.Is(err, ErrUnknownPanel))

	// A day without snapshots leaves the day-over-day panels unavailable.
	d, err = e.Dashboard(context.Background(), DashboardOptions{Date: day.AddDate(0, 0, 5)})
	require.NoError(t, err)
	require.False(t, d.Panels[1].Available)
	require.NotEmpty(t, d.Panels[1].Reason)
	require.Zero(t, d.Panels[1].Total)
}

func TestPanelExport(t *testing.T) {
	f := newFixture(t)
	f.write(t, "manha.csv", "A;Aberto;N;1;1;1;1", "B;Aberto;N;2;0;1;1")
	f.write(t, "tarde.csv", "A;Aberto;N;1;1;1;1", "B;Aberto;N;2;0;1;1")
	e := f.engine(t)

	b, err := e.PanelExport(context.Background(), "shift", "csv", DashboardOptions{})
	require.NoError(t, err)
	require.Equal(t, "Pedidos_shift_persistentes_1_to_2.csv", b.FileName)
	require.Equal(t, 3, strings.Count(string(b.Data), "\n"))
}
