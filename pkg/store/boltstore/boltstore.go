// Package boltstore persists the grid in a single bbolt file. Cell keys are
// big-endian (y, x) pairs so a bucket scan yields row-major order.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

var (
	metaBucket  = []byte("metadata")
	cellsBucket = []byte("cells")
	metaKey     = []byte("grid")
)

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, cellsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

type storedMetadata struct {
	Width         int   `json:"width"`
	Height        int   `json:"height"`
	LastGrowth    int64 `json:"last_growth"`
	LastRandomize int64 `json:"last_randomize"`
}

func (s *Store) LoadMetadata(ctx context.Context) (grid.Metadata, bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(metaKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	if raw == nil {
		return grid.Metadata{}, false, nil
	}
	var sm storedMetadata
	if err := json.Unmarshal(raw, &sm); err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return grid.Metadata{
		Width:         sm.Width,
		Height:        sm.Height,
		LastGrowth:    fromUnixNano(sm.LastGrowth),
		LastRandomize: fromUnixNano(sm.LastRandomize),
	}, true, nil
}

func (s *Store) LoadAllCells(ctx context.Context) ([]grid.Cell, error) {
	var cells []grid.Cell
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(cellsBucket).ForEach(func(k, v []byte) error {
			c, err := decodeCell(k, v)
			if err != nil {
				return err
			}
			cells = append(cells, c)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}
	return cells, nil
}

func (s *Store) SaveMetadata(ctx context.Context, meta grid.Metadata) error {
	raw, err := json.Marshal(storedMetadata{
		Width:         meta.Width,
		Height:        meta.Height,
		LastGrowth:    toUnixNano(meta.LastGrowth),
		LastRandomize: toUnixNano(meta.LastRandomize),
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey, raw)
	}); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}

func (s *Store) UpsertCell(ctx context.Context, cell grid.Cell) error {
	return s.UpsertManyCells(ctx, []grid.Cell{cell})
}

func (s *Store) UpsertManyCells(ctx context.Context, cells []grid.Cell) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cellsBucket)
		for _, c := range cells {
			if err := b.Put(cellKey(c.X, c.Y), cellValue(c)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist %d cells: %w", len(cells), err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func cellKey(x, y int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[0:4], uint32(y))
	binary.BigEndian.PutUint32(k[4:8], uint32(x))
	return k
}

func cellValue(c grid.Cell) []byte {
	return []byte(string(c.Color) + "|" + c.Origin)
}

func decodeCell(k, v []byte) (grid.Cell, error) {
	if len(k) != 8 {
		return grid.Cell{}, fmt.Errorf("invalid cell key length %d", len(k))
	}
	color, origin, _ := strings.Cut(string(v), "|")
	return grid.Cell{
		X:      int(binary.BigEndian.Uint32(k[4:8])),
		Y:      int(binary.BigEndian.Uint32(k[0:4])),
		Color:  grid.Color(color),
		Origin: origin,
	}, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
