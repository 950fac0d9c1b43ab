// Package pgstore persists the grid in PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

const upsertCellSQL = `INSERT INTO grid_cells (x, y, color, origin) VALUES ($1, $2, $3, $4)
	ON CONFLICT (x, y) DO UPDATE SET color = excluded.color, origin = excluded.origin`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dbURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS grid_metadata (
		id integer not null primary key check (id = 1),
		width integer not null,
		height integer not null,
		last_growth timestamptz not null,
		last_randomize timestamptz not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create grid_metadata: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS grid_cells (
		x integer not null,
		y integer not null,
		color char(7) not null,
		origin text not null default '',
		primary key (x, y)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create grid_cells: %w", err)
	}
	return nil
}

func (s *Store) LoadMetadata(ctx context.Context) (grid.Metadata, bool, error) {
	var meta grid.Metadata
	err := s.pool.QueryRow(ctx,
		`SELECT width, height, last_growth, last_randomize FROM grid_metadata WHERE id = 1`,
	).Scan(&meta.Width, &meta.Height, &meta.LastGrowth, &meta.LastRandomize)
	if errors.Is(err, pgx.ErrNoRows) {
		return grid.Metadata{}, false, nil
	} else if err != nil {
		return grid.Metadata{}, false, fmt.Errorf("failed to query metadata: %w", err)
	}
	meta.LastGrowth = meta.LastGrowth.UTC()
	meta.LastRandomize = meta.LastRandomize.UTC()
	return meta, true, nil
}

func (s *Store) LoadAllCells(ctx context.Context) ([]grid.Cell, error) {
	rows, err := s.pool.Query(ctx, `SELECT x, y, color, origin FROM grid_cells ORDER BY y, x`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	cells, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (grid.Cell, error) {
		var c grid.Cell
		var color string
		err := row.Scan(&c.X, &c.Y, &color, &c.Origin)
		c.Color = grid.Color(color)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cells: %w", err)
	}
	return cells, nil
}

func (s *Store) SaveMetadata(ctx context.Context, meta grid.Metadata) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO grid_metadata (id, width, height, last_growth, last_randomize) VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET width = excluded.width, height = excluded.height,
		last_growth = excluded.last_growth, last_randomize = excluded.last_randomize`,
		meta.Width, meta.Height, meta.LastGrowth, meta.LastRandomize,
	); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}

func (s *Store) UpsertCell(ctx context.Context, cell grid.Cell) error {
	if _, err := s.pool.Exec(ctx, upsertCellSQL, cell.X, cell.Y, string(cell.Color), cell.Origin); err != nil {
		return fmt.Errorf("failed to persist cell: %w", err)
	}
	return nil
}

func (s *Store) UpsertManyCells(ctx context.Context, cells []grid.Cell) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range cells {
			batch.Queue(upsertCellSQL, c.X, c.Y, string(c.Color), c.Origin)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to persist %d cells: %w", len(cells), err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
