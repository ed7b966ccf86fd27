package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backlogwatch/internal/domain"
)

func order(key string, fields map[string]string) domain.Order {
	return domain.Order{Key: key, Fields: fields}
}

func TestFlagCategory(t *testing.T) {
	c := Category{Name: "critico", Kind: KindFlag, Column: "Critico"}
	now := time.Now()
	for _, v := range []string{"1", "1.0", "true", "SIM", " x ", "Verdadeiro"} {
		require.True(t, Classify(order("A", map[string]string{"Critico": v}), c, now), v)
	}
	for _, v := range []string{"0", "", "false", "nao", "2"} {
		require.False(t, Classify(order("A", map[string]string{"Critico": v}), c, now), v)
	}
	require.False(t, Classify(order("A", map[string]string{"Outro": "1"}), c, now))
}

func TestThresholdElapsedField(t *testing.T) {
	c := Category{Name: "sla2", Kind: KindThreshold, ElapsedField: "Dias", SLAField: "SLA", Multiplier: 2, Offset: 1}
	now := time.Now()
	cases := []struct {
		dias, sla string
		want      bool
	}{
		{"11", "5", false}, // limit 11, not strictly greater
		{"12", "5", true},
		{"11,9", "5", false}, // floored to 11
		{"8", "3,5", false},
		{"9", "3,5", true},
		{"abc", "5", false},
		{"20", "", false},
	}
	for _, tc := range cases {
		got := Classify(order("A", map[string]string{"Dias": tc.dias, "SLA": tc.sla}), c, now)
		require.Equal(t, tc.want, got, "dias=%s sla=%s", tc.dias, tc.sla)
	}
}

func TestThresholdEventField(t *testing.T) {
	c := Category{Name: "sla3", Kind: KindThreshold, EventField: "UltimoEvento", SLAField: "SLA", Multiplier: 3, Offset: 3}
	now := time.Date(2024, 3, 20, 9, 30, 0, 0, time.UTC)
	// sla 2 => limit 9 days
	require.False(t, Classify(order("A", map[string]string{"UltimoEvento": "2024-03-11", "SLA": "2"}), c, now))
	require.True(t, Classify(order("A", map[string]string{"UltimoEvento": "2024-03-10 23:59:00", "SLA": "2"}), c, now))
	require.True(t, Classify(order("A", map[string]string{"UltimoEvento": "10/03/2024", "SLA": "2"}), c, now))
	require.False(t, Classify(order("A", map[string]string{"UltimoEvento": "ontem", "SLA": "2"}), c, now))
	require.False(t, Classify(order("A", map[string]string{"SLA": "2"}), c, now))
}

func TestWholeDays(t *testing.T) {
	ev := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	require.Equal(t, float64(1), WholeDays(ev, time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)))
	require.Equal(t, float64(0), WholeDays(ev, ev))
	require.Equal(t, float64(-1), WholeDays(ev, time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)))
}

func TestThresholdEventFieldLocalZone(t *testing.T) {
	saoPaulo := time.FixedZone("-03", -3*60*60)
	c := Category{Name: "sla2", Kind: KindThreshold, EventField: "UltimoEvento", SLAField: "SLA", Multiplier: 2, Offset: 1}
	o := order("A", map[string]string{"UltimoEvento": "2026-10-10", "SLA": "2"})

	// limit 5; five calendar days elapsed all day long on the 15th
	for _, hour := range []int{0, 20, 21, 22, 23} {
		now := time.Date(2026, 10, 15, hour, 59, 0, 0, saoPaulo)
		ts, ok := ParseDateIn("2026-10-10", now.Location())
		require.True(t, ok)
		require.Equal(t, float64(5), WholeDays(ts, now), "hour %d", hour)
		require.False(t, Classify(o, c, now), "hour %d", hour)
	}
	require.True(t, Classify(o, c, time.Date(2026, 10, 16, 0, 1, 0, 0, saoPaulo)))

	// explicit offsets are moved into now's zone before taking the day
	ts, ok := ParseDate("2026-10-10T01:00:00Z")
	require.True(t, ok)
	require.Equal(t, float64(6), WholeDays(ts, time.Date(2026, 10, 15, 12, 0, 0, 0, saoPaulo)))
}

func TestCategoryValidate(t *testing.T) {
	require.NoError(t, Category{Name: "a", Kind: KindFlag, Column: "C"}.Validate())
	require.Error(t, Category{Name: "a", Kind: KindFlag}.Validate())
	require.Error(t, Category{Name: "a", Kind: KindThreshold, SLAField: "SLA", Multiplier: 2}.Validate())
	require.Error(t, Category{Name: "a", Kind: KindThreshold, SLAField: "SLA", ElapsedField: "D"}.Validate())
	require.Error(t, Category{Name: "a", Kind: "other"}.Validate())
	require.Error(t, Category{Kind: KindFlag, Column: "C"}.Validate())
}

func TestCatalog(t *testing.T) {
	flag := Category{Name: "critico", Kind: KindFlag, Column: "Critico"}
	_, err := NewCatalog([]Category{flag, flag})
	require.Error(t, err)

	cat, err := NewCatalog([]Category{flag})
	require.NoError(t, err)
	got, ok := cat.Get("critico")
	require.True(t, ok)
	require.Equal(t, flag, got)
	_, ok = cat.Get("nope")
	require.False(t, ok)

	snap := domain.Snapshot{
		Columns: []string{"Pedido", "Critico"},
		Orders: []domain.Order{
			order("A", map[string]string{"Critico": "1"}),
			order("B", map[string]string{"Critico": "0"}),
			order("C", map[string]string{"Critico": "sim"}),
		},
	}
	require.Equal(t, map[string]struct{}{"A": {}, "C": {}}, Members(snap, flag, time.Now()))
	require.Len(t, Filter(snap, flag, time.Now()), 2)
	require.Empty(t, MissingColumns(snap, flag))
	require.Equal(t, []string{"SLA", "Dias"}, MissingColumns(snap, Category{Name: "t", Kind: KindThreshold, SLAField: "SLA", ElapsedField: "Dias", Multiplier: 1}))
}
