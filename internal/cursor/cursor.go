// Package cursor tracks, per partition, how far the backlog has been exported.
//
// Each partition holds an offset into its sorted order list. The offset moves
// only when an export is confirmed, and goes back to zero when the backing data
// changes or the partition shrinks below it. A Store is shared by request
// handlers; one logical writer per partition is assumed.
package cursor

import (
	"errors"
	"sort"
	"sync"
)

// DefaultBatchSize matches the batch operators download per click.
const DefaultBatchSize = 300

// ErrExhausted is returned by Confirm when the partition has no rows left.
var ErrExhausted = errors.New("partition exhausted")

// Window describes a batch in 1-based inclusive row numbers.
// Start > End means the batch is empty.
type Window struct {
	Partition string `json:"partition"`
	Offset    int    `json:"offset"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Size      int    `json:"size"`
	BatchSize int    `json:"batch_size"`
	Exhausted bool   `json:"exhausted"`
}

// Lo and Hi give the 0-based half-open row range of the window.
func (w Window) Lo() int { return w.Start - 1 }
func (w Window) Hi() int { return w.End }

// Len is the number of rows in the window.
func (w Window) Len() int {
	if w.End < w.Start {
		return 0
	}
	return w.End - w.Start + 1
}

type entry struct {
	offset    int
	size      int
	exhausted bool
}

type Store struct {
	mu          sync.Mutex
	batchSize   int
	fingerprint string
	entries     map[string]*entry
}

// NewStore returns an empty store; batchSize <= 0 selects DefaultBatchSize.
func NewStore(batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Store{batchSize: batchSize, entries: map[string]*entry{}}
}

func (s *Store) BatchSize() int { return s.batchSize }

// get returns the entry for partition, creating it at offset zero, and applies
// the shrink rule against the current size. Caller holds mu.
func (s *Store) get(partition string, size int) *entry {
	if size < 0 {
		size = 0
	}
	e, ok := s.entries[partition]
	if !ok {
		e = &entry{size: size}
		s.entries[partition] = e
		return e
	}
	if e.offset > size || (e.offset >= size && size != e.size) {
		e.offset = 0
		e.exhausted = false
	}
	e.size = size
	return e
}

func (s *Store) window(partition string, e *entry) Window {
	end := e.offset + s.batchSize
	if end > e.size {
		end = e.size
	}
	return Window{
		Partition: partition,
		Offset:    e.offset,
		Start:     e.offset + 1,
		End:       end,
		Size:      e.size,
		BatchSize: s.batchSize,
		Exhausted: e.offset >= e.size,
	}
}

// Peek reports the next batch for a partition of the given size without
// advancing it.
func (s *Store) Peek(partition string, size int) Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window(partition, s.get(partition, size))
}

// Confirm advances the partition past its next batch and returns that batch.
// When nothing is left it returns ErrExhausted and leaves the offset unchanged.
func (s *Store) Confirm(partition string, size int) (Window, error) {
	return s.ConfirmFunc(partition, size, nil)
}

// ConfirmFunc is Confirm with a delivery step: fn receives the batch while the
// partition is locked and the offset advances only if fn returns nil.
func (s *Store) ConfirmFunc(partition string, size int, fn func(Window) error) (Window, error) {
	return s.ConfirmCommit(partition, size, fn, nil)
}

// ConfirmCommit is ConfirmFunc followed by commit, which receives the state
// with the advance applied. If commit fails the advance is undone and its
// error returned, so a delivered batch is offered again next time.
func (s *Store) ConfirmCommit(partition string, size int, deliver func(Window) error, commit func(State) error) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(partition, size)
	w := s.window(partition, e)
	if w.Len() == 0 {
		e.exhausted = true
		return w, ErrExhausted
	}
	if deliver != nil {
		if err := deliver(w); err != nil {
			return w, err
		}
	}
	prev := *e
	e.offset = w.End
	e.exhausted = false
	if commit != nil {
		if err := commit(s.state()); err != nil {
			*e = prev
			return w, err
		}
	}
	w.Exhausted = false
	return w, nil
}

// SourceChanged records the content fingerprint of the backing data. When it
// differs from the previous one every partition is reset to zero and true is
// returned. The first fingerprint seen is only recorded.
func (s *Store) SourceChanged(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fingerprint == s.fingerprint {
		return false
	}
	first := s.fingerprint == "" && len(s.entries) == 0
	s.fingerprint = fingerprint
	if first {
		return false
	}
	for _, e := range s.entries {
		e.offset = 0
		e.exhausted = false
	}
	return true
}

// Fingerprint returns the last recorded source fingerprint.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Position is the persisted form of one partition.
type Position struct {
	Partition string `json:"partition"`
	Offset    int    `json:"offset"`
	Size      int    `json:"size"`
	Exhausted bool   `json:"exhausted"`
}

type State struct {
	Fingerprint string     `json:"fingerprint"`
	Positions   []Position `json:"positions"`
}

// State returns a copy of every partition's position, sorted by name.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Store) state() State {
	st := State{Fingerprint: s.fingerprint, Positions: make([]Position, 0, len(s.entries))}
	for name, e := range s.entries {
		st.Positions = append(st.Positions, Position{Partition: name, Offset: e.offset, Size: e.size, Exhausted: e.exhausted})
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Partition < st.Positions[j].Partition })
	return st
}

// Restore replaces the store contents with st.
func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = st.Fingerprint
	s.entries = make(map[string]*entry, len(st.Positions))
	for _, p := range st.Positions {
		off := p.Offset
		if off < 0 {
			off = 0
		}
		s.entries[p.Partition] = &entry{offset: off, size: p.Size, exhausted: p.Exhausted}
	}
}
