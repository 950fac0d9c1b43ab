// Package memstore is an ephemeral Store used by tests and by servers started
// without a durable backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

type Store struct {
	lk        sync.Mutex
	meta      *grid.Metadata
	cells     map[grid.Coord]grid.Cell
	failWrite error
	failRead  error
	writes    int
}

func New() *Store {
	return &Store{cells: make(map[grid.Coord]grid.Cell)}
}

// FailWrites makes every following write return err until called with nil.
func (s *Store) FailWrites(err error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.failWrite = err
}

// FailReads makes every following load return err until called with nil.
func (s *Store) FailReads(err error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.failRead = err
}

// Writes counts successful write calls.
func (s *Store) Writes() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.writes
}

// Cell returns the stored cell at c.
func (s *Store) Cell(c grid.Coord) (grid.Cell, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	cell, ok := s.cells[c]
	return cell, ok
}

// Len is the number of stored cells.
func (s *Store) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.cells)
}

func (s *Store) LoadMetadata(_ context.Context) (grid.Metadata, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.failRead != nil {
		return grid.Metadata{}, false, s.failRead
	}
	if s.meta == nil {
		return grid.Metadata{}, false, nil
	}
	return *s.meta, true, nil
}

func (s *Store) LoadAllCells(_ context.Context) ([]grid.Cell, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.failRead != nil {
		return nil, s.failRead
	}
	out := make([]grid.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out, nil
}

func (s *Store) SaveMetadata(_ context.Context, meta grid.Metadata) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.meta = &meta
	s.writes++
	return nil
}

func (s *Store) UpsertCell(ctx context.Context, cell grid.Cell) error {
	return s.UpsertManyCells(ctx, []grid.Cell{cell})
}

func (s *Store) UpsertManyCells(_ context.Context, cells []grid.Cell) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	for _, c := range cells {
		s.cells[c.Coord()] = c
	}
	s.writes++
	return nil
}

func (s *Store) Close() error {
	return nil
}
