package classify

import (
	"fmt"
	"time"

	"backlogwatch/internal/domain"
)

// Catalog is the closed, ordered list of categories known to the monitor.
type Catalog struct {
	items []Category
	index map[string]int
}

// NewCatalog validates the entries and rejects duplicate names.
func NewCatalog(items []Category) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(items))}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[it.Name]; dup {
			return nil, fmt.Errorf("duplicate category %s", it.Name)
		}
		c.index[it.Name] = len(c.items)
		c.items = append(c.items, it)
	}
	return c, nil
}

// Get returns the category by name.
func (c *Catalog) Get(name string) (Category, bool) {
	if c == nil {
		return Category{}, false
	}
	i, ok := c.index[name]
	if !ok {
		return Category{}, false
	}
	return c.items[i], true
}

// All returns the categories in catalog order.
func (c *Catalog) All() []Category {
	if c == nil {
		return nil
	}
	out := make([]Category, len(c.items))
	copy(out, c.items)
	return out
}

// Members returns the keys of orders in snap that satisfy the category.
func Members(snap domain.Snapshot, c Category, now time.Time) map[string]struct{} {
	set := make(map[string]struct{})
	for _, o := range snap.Orders {
		if Classify(o, c, now) {
			set[o.Key] = struct{}{}
		}
	}
	return set
}

// Filter returns the orders in snap that satisfy the category, in snapshot order.
func Filter(snap domain.Snapshot, c Category, now time.Time) []domain.Order {
	var out []domain.Order
	for _, o := range snap.Orders {
		if Classify(o, c, now) {
			out = append(out, o)
		}
	}
	return out
}

// MissingColumns lists the rule columns absent from the snapshot header.
func MissingColumns(snap domain.Snapshot, c Category) []string {
	var missing []string
	for _, col := range c.RequiredColumns() {
		if !snap.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	return missing
}
