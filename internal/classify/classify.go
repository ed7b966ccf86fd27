// Package classify derives criticality category membership for order rows.
//
// Categories are data: a catalog entry binds a name to either a flag column or a
// threshold rule over elapsed days and an SLA. Evaluation never fails; a row that
// cannot be evaluated is simply not a member.
package classify

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"backlogwatch/internal/domain"
)

type Kind string

const (
	KindFlag      Kind = "flag"
	KindThreshold Kind = "threshold"
)

// Category is one catalog entry.
type Category struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	Kind  Kind   `yaml:"kind" json:"kind" enum:"flag,threshold"`
	// Column holds the pre-computed flag for flag categories.
	Column string `yaml:"column,omitempty" json:"column,omitempty"`
	// ElapsedField holds elapsed whole days; EventField holds the last event date.
	// When both are set ElapsedField wins.
	ElapsedField string  `yaml:"elapsed_field,omitempty" json:"elapsed_field,omitempty"`
	EventField   string  `yaml:"event_field,omitempty" json:"event_field,omitempty"`
	SLAField     string  `yaml:"sla_field,omitempty" json:"sla_field,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	Offset       float64 `yaml:"offset,omitempty" json:"offset,omitempty"`
}

// DisplayName returns Label when set, otherwise Name.
func (c Category) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// Limit returns sla*multiplier + offset.
func (c Category) Limit(sla float64) float64 {
	return sla*c.Multiplier + c.Offset
}

// RequiredColumns lists the columns the rule reads.
func (c Category) RequiredColumns() []string {
	switch c.Kind {
	case KindFlag:
		return []string{c.Column}
	case KindThreshold:
		cols := []string{c.SLAField}
		if c.ElapsedField != "" {
			cols = append(cols, c.ElapsedField)
		} else {
			cols = append(cols, c.EventField)
		}
		return cols
	}
	return nil
}

// Validate checks that the rule descriptor is complete.
func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("category name is required")
	}
	switch c.Kind {
	case KindFlag:
		if c.Column == "" {
			return fmt.Errorf("category %s: column is required for flag categories", c.Name)
		}
	case KindThreshold:
		if c.SLAField == "" {
			return fmt.Errorf("category %s: sla_field is required for threshold categories", c.Name)
		}
		if c.ElapsedField == "" && c.EventField == "" {
			return fmt.Errorf("category %s: elapsed_field or event_field is required", c.Name)
		}
		if c.Multiplier <= 0 {
			return fmt.Errorf("category %s: multiplier must be positive", c.Name)
		}
	default:
		return fmt.Errorf("category %s: invalid kind %q", c.Name, c.Kind)
	}
	return nil
}

// Classify reports whether the order belongs to the category at reference time now.
func Classify(o domain.Order, c Category, now time.Time) (member bool) {
	defer func() {
		if recover() != nil {
			member = false
		}
	}()
	switch c.Kind {
	case KindFlag:
		v, ok := o.Field(c.Column)
		return ok && truthy(v)
	case KindThreshold:
		sla, ok := parseNumber(o.Fields[c.SLAField])
		if !ok {
			return false
		}
		elapsed, ok := elapsedDays(o, c, now)
		if !ok {
			return false
		}
		return elapsed > c.Limit(sla)
	}
	return false
}

func elapsedDays(o domain.Order, c Category, now time.Time) (float64, bool) {
	if c.ElapsedField != "" {
		v, ok := parseNumber(o.Fields[c.ElapsedField])
		if !ok {
			return 0, false
		}
		return math.Floor(v), true
	}
	ts, ok := ParseDateIn(o.Fields[c.EventField], now.Location())
	if !ok {
		return 0, false
	}
	return WholeDays(ts, now), true
}

// WholeDays counts calendar days from event to now, both taken in now's
// location. The result is negative for future events.
func WholeDays(event, now time.Time) float64 {
	ey, em, ed := event.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	from := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	to := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return math.Floor(to.Sub(from).Hours() / 24)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseDate accepts ISO and day-first layouts. Values without a zone are read as UTC.
func ParseDate(raw string) (time.Time, bool) {
	return ParseDateIn(raw, time.UTC)
}

// ParseDateIn is ParseDate with zone-less values read in loc.
func ParseDateIn(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseNumber(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "1.0", "true", "t", "yes", "y", "sim", "s", "x", "verdadeiro":
		return true
	}
	return false
}
