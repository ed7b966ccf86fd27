package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"backlogwatch/internal/classify"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/snapshot"
)

var cols = snapshot.Columns{Key: "Pedido", Status: "Status"}

var header = []string{"Pedido", "Status", "Critico", "Dias", "SLA"}

func build(key string, rows ...[]string) domain.Snapshot {
	return snapshot.Build(key, header, rows, cols)
}

var critico = classify.Category{Name: "critico", Kind: classify.KindFlag, Column: "Critico"}

func opts(mode Mode, cat *classify.Category) Options {
	return Options{Mode: mode, Category: cat, KeyColumn: "Pedido", StatusColumn: "Status", RequireStatus: true, Now: time.Now()}
}

func TestReconcileTreatedAndPersistent(t *testing.T) {
	ref := build("morning",
		[]string{"A", "Aberto", "1"},
		[]string{"B", "Aberto", "1"},
		[]string{"C", "Aberto", "1"},
		[]string{"D", "Aberto", "0"},
	)
	cmpSnap := build("afternoon",
		[]string{"A", "Faturado", "1"},
		[]string{"C", "Aberto", "1"},
		[]string{"E", "Aberto", "1"},
	)
	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, &critico))
	require.NoError(t, err)
	want := Result{
		Mode:            ModeShift,
		Category:        "critico",
		Total:           3,
		TreatedCount:    2,
		PersistentCount: 1,
		Treated:         []string{"A", "B"},
		Persistent:      []string{"C"},
		TreatedReasons:  map[string]Reason{"A": ReasonStatusChanged, "B": ReasonDisappeared},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}

	again, err := Reconcile(ref, cmpSnap, opts(ModeShift, &critico))
	require.NoError(t, err)
	require.Equal(t, res, again)
}

func TestReconcileWithoutStatusOnlyCountsDisappeared(t *testing.T) {
	ref := build("r", []string{"A", "Aberto"}, []string{"B", "Aberto"})
	cmpSnap := build("c", []string{"A", "Faturado"})
	o := opts(ModeShift, nil)
	o.RequireStatus = false
	res, err := Reconcile(ref, cmpSnap, o)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, res.Treated)
	require.Equal(t, []string{"A"}, res.Persistent)
}

func TestReconcileNormalizesKeys(t *testing.T) {
	ref := build("r", []string{" ab-1 ", "Aberto"}, []string{"ab-2", "Aberto"})
	cmpSnap := build("c", []string{"AB-1", "Aberto"}, []string{"Ab-2 ", "Aberto"})
	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, nil))
	require.NoError(t, err)
	require.Empty(t, res.Treated)
	require.Equal(t, []string{"AB-1", "AB-2"}, res.Persistent)
}

func TestReconcileDuplicateKeysLastRowWins(t *testing.T) {
	ref := build("r", []string{"A", "Aberto"}, []string{"a", "Separado"})
	require.Equal(t, 1, ref.Duplicates)
	require.Len(t, ref.Orders, 1)
	cmpSnap := build("c", []string{"A", "Separado"})
	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, nil))
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, []string{"A"}, res.Persistent)
}

func TestReconcileEmptyAfterFilterIsZero(t *testing.T) {
	ref := build("r", []string{"A", "Aberto", "0"})
	cmpSnap := build("c", []string{"A", "Aberto", "0"})
	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, &critico))
	require.NoError(t, err)
	require.Zero(t, res.Total)
	require.NotNil(t, res.Treated)
	require.NotNil(t, res.Persistent)
}

func TestReconcileNotComputable(t *testing.T) {
	full := build("r", []string{"A", "Aberto", "1"})
	empty := build("c")

	_, err := Reconcile(full, empty, opts(ModeShift, nil))
	require.ErrorIs(t, err, ErrNotComputable)
	_, err = Reconcile(empty, full, opts(ModeShift, nil))
	require.ErrorIs(t, err, ErrNotComputable)

	noStatus := snapshot.Build("c", []string{"Pedido"}, [][]string{{"A"}}, cols)
	_, err = Reconcile(full, noStatus, opts(ModeShift, nil))
	var nc *NotComputableError
	require.True(t, errors.As(err, &nc))
	require.Contains(t, nc.Reason, "Status")

	noKey := snapshot.Build("c", []string{"Id", "Status"}, [][]string{{"A", "x"}}, cols)
	_, err = Reconcile(full, noKey, opts(ModeShift, nil))
	require.ErrorIs(t, err, ErrNotComputable)

	noKeyColumn := opts(ModeShift, nil)
	noKeyColumn.KeyColumn = ""
	_, err = Reconcile(full, full, noKeyColumn)
	require.ErrorIs(t, err, ErrNotComputable)

	// built without a key column every order would share the empty key
	keyless := snapshot.Build("c", header, [][]string{{"A", "Aberto"}, {"B", "Aberto"}}, snapshot.Columns{Status: "Status"})
	require.Len(t, keyless.Orders, 2)
	_, err = Reconcile(full, keyless, opts(ModeShift, nil))
	require.ErrorIs(t, err, ErrNotComputable)
	_, err = Reconcile(keyless, full, opts(ModeShift, nil))
	require.ErrorIs(t, err, ErrNotComputable)

	_, err = Reconcile(full, full, Options{Mode: "weekly"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotComputable))
}

func TestReconcileDayOverDayEntered(t *testing.T) {
	yesterday := build("2024-03-19",
		[]string{"A", "Aberto", "1"},
		[]string{"B", "Aberto", "0"},
	)
	today := build("2024-03-20",
		[]string{"A", "Aberto", "1"},
		[]string{"B", "Aberto", "1"}, // known yesterday, not new
		[]string{"C", "Aberto", "1"},
		[]string{"D", "Aberto", "0"},
	)
	res, err := Reconcile(yesterday, today, opts(ModeDayOverDay, &critico))
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Persistent)
	require.Equal(t, []string{"C"}, res.Entered)
	require.Equal(t, 1, res.EnteredCount)

	shift, err := Reconcile(yesterday, today, opts(ModeShift, &critico))
	require.NoError(t, err)
	require.Nil(t, shift.Entered)
}

func TestReconcileCategoryOnBothSides(t *testing.T) {
	ref := build("r", []string{"A", "Aberto", "1"}, []string{"B", "Aberto", "1"})
	cmpSnap := build("c", []string{"A", "Aberto", "0"}, []string{"B", "Aberto", "1"})

	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, &critico))
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, res.Persistent)

	o := opts(ModeShift, &critico)
	o.CategoryOnBothSides = true
	res, err = Reconcile(ref, cmpSnap, o)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Treated)
	require.Equal(t, []string{"B"}, res.Persistent)
}

func TestReconcileThresholdUsesSideTimes(t *testing.T) {
	sla2x := classify.Category{Name: "sla2", Kind: classify.KindThreshold, ElapsedField: "Dias", SLAField: "SLA", Multiplier: 2, Offset: 1}
	ref := build("r", []string{"A", "Aberto", "0", "12", "5"}, []string{"B", "Aberto", "0", "3", "5"})
	cmpSnap := build("c", []string{"A", "Aberto", "0", "13", "5"})
	res, err := Reconcile(ref, cmpSnap, opts(ModeShift, &sla2x))
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, []string{"A"}, res.Persistent)
}

func TestReconcileSameSnapshotTreatsNothing(t *testing.T) {
	a := build("r",
		[]string{"A", "Aberto", "1"},
		[]string{"B", "Separado", "0"},
		[]string{"C", "", "1"},
	)
	res, err := Reconcile(a, a, opts(ModeShift, nil))
	require.NoError(t, err)
	require.Zero(t, res.TreatedCount)
	require.Equal(t, len(a.Orders), res.PersistentCount)
	require.Equal(t, len(a.Orders), res.Total)
}

func TestReconcilePartitionsReferenceKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []string{"Aberto", "Separado", "Faturado"}
	gen := func(name string, n int) domain.Snapshot {
		rows := make([][]string, 0, n)
		for i := 0; i < n; i++ {
			rows = append(rows, []string{
				fmt.Sprintf("P%d", rng.Intn(40)),
				statuses[rng.Intn(len(statuses))],
				strconv.Itoa(rng.Intn(2)),
			})
		}
		return build(name, rows...)
	}

	for i := 0; i < 50; i++ {
		ref, cmpSnap := gen("r", 1+rng.Intn(30)), gen("c", 1+rng.Intn(30))
		for _, cat := range []*classify.Category{nil, &critico} {
			res, err := Reconcile(ref, cmpSnap, opts(ModeShift, cat))
			require.NoError(t, err)

			want := map[string]bool{}
			for _, o := range ref.Orders {
				if cat == nil || classify.Classify(o, *cat, time.Now()) {
					want[o.Key] = true
				}
			}
			got := map[string]bool{}
			for _, k := range res.Treated {
				got[k] = true
			}
			for _, k := range res.Persistent {
				require.False(t, got[k], "%s is both treated and persistent", k)
				got[k] = true
			}
			require.Equal(t, want, got)
			require.Equal(t, len(want), res.Total)
			require.Equal(t, res.Total, res.TreatedCount+res.PersistentCount)
		}
	}
}
