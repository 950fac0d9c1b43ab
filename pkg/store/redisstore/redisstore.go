// Package redisstore persists the grid in two redis hashes: one for the
// metadata and one mapping "x:y" to "color|origin".
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

const (
	DefaultPrefix = "pixelgrid"
	scanBatch     = 1000
)

type Store struct {
	rdb      *redis.Client
	metaKey  string
	cellsKey string
}

func Open(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return New(rdb, DefaultPrefix), nil
}

// New wraps an existing client. Keys are namespaced by prefix.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:      rdb,
		metaKey:  prefix + ":metadata",
		cellsKey: prefix + ":cells",
	}
}

func (s *Store) LoadMetadata(ctx context.Context) (grid.Metadata, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.metaKey).Result()
	if err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	if len(fields) == 0 {
		return grid.Metadata{}, false, nil
	}
	var meta grid.Metadata
	if meta.Width, err = strconv.Atoi(fields["width"]); err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to decode width: %w", err)
	}
	if meta.Height, err = strconv.Atoi(fields["height"]); err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to decode height: %w", err)
	}
	if meta.LastGrowth, err = decodeTime(fields["last_growth"]); err != nil {
		return grid.Metadata{}, false, err
	}
	if meta.LastRandomize, err = decodeTime(fields["last_randomize"]); err != nil {
		return grid.Metadata{}, false, err
	}
	return meta, true, nil
}

// LoadAllCells returns cells in row-major order. HSCAN may repeat fields, so
// results are keyed by field before sorting.
func (s *Store) LoadAllCells(ctx context.Context) ([]grid.Cell, error) {
	seen := make(map[string]grid.Cell)
	var cursor uint64
	for {
		kvs, next, err := s.rdb.HScan(ctx, s.cellsKey, cursor, "", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan cells: %w", err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			c, err := decodeCell(kvs[i], kvs[i+1])
			if err != nil {
				return nil, err
			}
			seen[kvs[i]] = c
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	cells := make([]grid.Cell, 0, len(seen))
	for _, c := range seen {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
	return cells, nil
}

func (s *Store) SaveMetadata(ctx context.Context, meta grid.Metadata) error {
	if err := s.rdb.HSet(ctx, s.metaKey,
		"width", meta.Width,
		"height", meta.Height,
		"last_growth", encodeTime(meta.LastGrowth),
		"last_randomize", encodeTime(meta.LastRandomize),
	).Err(); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}

func (s *Store) UpsertCell(ctx context.Context, cell grid.Cell) error {
	if err := s.rdb.HSet(ctx, s.cellsKey, cellField(cell), cellValue(cell)).Err(); err != nil {
		return fmt.Errorf("failed to persist cell: %w", err)
	}
	return nil
}

// UpsertManyCells runs a single HSET inside MULTI/EXEC.
func (s *Store) UpsertManyCells(ctx context.Context, cells []grid.Cell) error {
	if len(cells) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(cells))
	for _, c := range cells {
		values = append(values, cellField(c), cellValue(c))
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.cellsKey, values...)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist %d cells: %w", len(cells), err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func cellField(c grid.Cell) string {
	return strconv.Itoa(c.X) + ":" + strconv.Itoa(c.Y)
}

func cellValue(c grid.Cell) string {
	return string(c.Color) + "|" + c.Origin
}

func decodeCell(field, value string) (grid.Cell, error) {
	xs, ys, ok := strings.Cut(field, ":")
	if !ok {
		return grid.Cell{}, fmt.Errorf("invalid cell field %q", field)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("invalid cell field %q: %w", field, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("invalid cell field %q: %w", field, err)
	}
	color, origin, _ := strings.Cut(value, "|")
	return grid.Cell{X: x, Y: y, Color: grid.Color(color), Origin: origin}, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to decode time %q: %w", v, err)
	}
	return time.Unix(0, n).UTC(), nil
}
