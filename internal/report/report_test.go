package report

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"backlogwatch/internal/domain"
	"backlogwatch/internal/reconcile"
)

func TestAssembleAvailablePanel(t *testing.T) {
	res := reconcile.Result{
		Mode: reconcile.ModeShift, Category: "critico",
		Total: 3, TreatedCount: 2, PersistentCount: 1,
		Treated: []string{"A", "B"}, Persistent: []string{"C"},
	}
	rows := []domain.Order{{Key: "A"}, {Key: "C", Position: 2}, {Key: "D"}}
	panels := Assemble([]Entry{{ID: "shift:critico", Label: "Críticos", Reference: "morning", Compare: "afternoon", Result: res, Rows: rows}})
	require.Len(t, panels, 1)
	p := panels[0]
	require.True(t, p.Available)
	require.Equal(t, 3, p.Total)
	require.Equal(t, 66.67, p.TreatedShare)
	require.Equal(t, 33.33, p.PersistentShare)
	require.Equal(t, []Slice{
		{Label: SliceTreated, Value: 2, Share: 66.67},
		{Label: SliceUntreated, Value: 1, Share: 33.33},
	}, p.Slices)
	require.Equal(t, []domain.Order{{Key: "C", Position: 2}}, p.PersistentRows)
	require.Nil(t, p.EnteredKeys)
}

func TestAssembleUnavailableIsNotZero(t *testing.T) {
	err := &reconcile.NotComputableError{Reason: "reference snapshot morning is empty"}
	panels := Assemble([]Entry{
		{ID: "shift", Err: err},
		{ID: "other", Err: fmt.Errorf("wrapped: %w", reconcile.ErrNotComputable)},
		{ID: "empty", Result: reconcile.Result{Mode: reconcile.ModeShift}},
	})
	require.False(t, panels[0].Available)
	require.Equal(t, err.Reason, panels[0].Reason)
	require.False(t, panels[1].Available)
	require.Equal(t, unavailableNote, panels[1].Reason)

	require.True(t, panels[2].Available, "an empty category is a valid zero result")
	require.Zero(t, panels[2].Total)
	require.Zero(t, panels[2].TreatedShare)
	require.Nil(t, panels[2].Slices)
}

func TestAssembleDayOverDayKeepsEntered(t *testing.T) {
	res := reconcile.Result{Mode: reconcile.ModeDayOverDay, Total: 1, PersistentCount: 1,
		Persistent: []string{"A"}, Entered: []string{"X", "Y"}, EnteredCount: 2}
	p := Assemble([]Entry{{ID: "day:critico", Result: res}})[0]
	require.Equal(t, 2, p.Entered)
	require.Equal(t, []string{"X", "Y"}, p.EnteredKeys)
	require.Equal(t, float64(100), p.PersistentShare)
}
