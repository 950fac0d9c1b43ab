// Package sqlitestore persists the grid in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

const upsertCellSQL = `INSERT INTO cells (x, y, color, origin) VALUES (?, ?, ?, ?)
	ON CONFLICT (x, y) DO UPDATE SET color = excluded.color, origin = excluded.origin`

type Store struct {
	database *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite only supports one writer, keep a single connection to avoid
	// SQLITE_BUSY between the loader and the persister.
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS metadata (
		id integer not null primary key check (id = 1),
		width integer not null,
		height integer not null,
		last_growth integer not null,
		last_randomize integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS cells (
		x integer not null,
		y integer not null,
		color text not null,
		origin text not null default '',
		primary key (x, y)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create cells table: %w", err)
	}
	slog.Debug("ensured sqlite tables exist")
	return nil
}

func (s *Store) LoadMetadata(ctx context.Context) (grid.Metadata, bool, error) {
	var meta grid.Metadata
	var lastGrowth, lastRandomize int64
	if err := s.database.QueryRowContext(ctx,
		`SELECT width, height, last_growth, last_randomize FROM metadata WHERE id = 1`,
	).Scan(&meta.Width, &meta.Height, &lastGrowth, &lastRandomize); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grid.Metadata{}, false, nil
		}
		return grid.Metadata{}, false, fmt.Errorf("failed to query metadata: %w", err)
	}
	meta.LastGrowth = fromUnixNano(lastGrowth)
	meta.LastRandomize = fromUnixNano(lastRandomize)
	return meta, true, nil
}

func (s *Store) LoadAllCells(ctx context.Context) ([]grid.Cell, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT x, y, color, origin FROM cells ORDER BY y, x`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(rows)
	var cells []grid.Cell
	for rows.Next() {
		var c grid.Cell
		var color string
		if err := rows.Scan(&c.X, &c.Y, &color, &c.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		c.Color = grid.Color(color)
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

func (s *Store) SaveMetadata(ctx context.Context, meta grid.Metadata) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO metadata (id, width, height, last_growth, last_randomize) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET width = excluded.width, height = excluded.height,
		last_growth = excluded.last_growth, last_randomize = excluded.last_randomize`,
		meta.Width, meta.Height, toUnixNano(meta.LastGrowth), toUnixNano(meta.LastRandomize),
	); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}

func (s *Store) UpsertCell(ctx context.Context, cell grid.Cell) error {
	if _, err := s.database.ExecContext(ctx, upsertCellSQL, cell.X, cell.Y, string(cell.Color), cell.Origin); err != nil {
		return fmt.Errorf("failed to persist cell: %w", err)
	}
	return nil
}

func (s *Store) UpsertManyCells(ctx context.Context, cells []grid.Cell) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertCellSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare: %w", err)
	}
	defer stmt.Close()
	for _, c := range cells {
		if _, err := stmt.ExecContext(ctx, c.X, c.Y, string(c.Color), c.Origin); err != nil {
			return fmt.Errorf("failed to persist cell %s: %w", c.Coord(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
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
