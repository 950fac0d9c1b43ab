package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

const (
	DefaultChunkSize     = 500
	DefaultFlushInterval = 5 * time.Second
)

// PersisterOptions configures a Persister.
type PersisterOptions struct {
	// ChunkSize bounds the number of cells per UpsertManyCells call.
	ChunkSize int
	// FlushInterval is the period of the background flush in Run.
	FlushInterval time.Duration
	// NewBackOff builds the retry policy of a flush. Defaults to an
	// exponential backoff that never gives up.
	NewBackOff func() backoff.BackOff

	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

// Persister writes grid mutations behind the in-memory state. Pending cells
// are coalesced per coordinate so that only the latest applied color is
// written, and a single batch is in flight at any time: the store therefore
// never sees an older value of a coordinate after a newer one.
type Persister struct {
	store  Store
	opts   PersisterOptions
	logger *slog.Logger
	msink  metrics.MetricSink

	lk    sync.Mutex
	meta  *grid.Metadata
	cells map[grid.Coord]grid.Cell

	flushLk sync.Mutex
	notify  chan struct{}
}

func NewPersister(st Store, opts PersisterOptions) *Persister {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Persister{
		store:  st,
		opts:   opts,
		logger: telemetry.LoggerOrDefault(opts.Logger),
		msink:  telemetry.SinkOrBlackhole(opts.MetricSink),
		cells:  make(map[grid.Coord]grid.Cell),
		notify: make(chan struct{}, 1),
	}
}

// MarkCells queues cells for persistence. It never blocks on the store.
func (p *Persister) MarkCells(cells ...grid.Cell) {
	if len(cells) == 0 {
		return
	}
	p.lk.Lock()
	for _, c := range cells {
		p.cells[c.Coord()] = c
	}
	pending := len(p.cells)
	p.lk.Unlock()
	p.msink.SetGauge(telemetry.MetricPersisterPending, float32(pending))
	p.wake()
}

// MarkMetadata queues the latest metadata for persistence.
func (p *Persister) MarkMetadata(meta grid.Metadata) {
	p.lk.Lock()
	p.meta = &meta
	p.lk.Unlock()
	p.wake()
}

func (p *Persister) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Pending is the number of cells waiting to be written.
func (p *Persister) Pending() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.cells)
}

// Dirty reports whether anything is waiting to be written.
func (p *Persister) Dirty() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.meta != nil || len(p.cells) > 0
}

// Run flushes whenever something is marked and on every FlushInterval until
// ctx is done. Failed flushes are retried with backoff while new marks keep
// coalescing.
func (p *Persister) Run(ctx context.Context) {
	t := time.NewTicker(p.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-p.notify:
		case <-t.C:
		case <-ctx.Done():
			return
		}
		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("failed to flush grid to store", telemetry.LabelError.L(err))
		}
	}
}

// Flush writes everything pending, retrying until it succeeds or ctx is done.
func (p *Persister) Flush(ctx context.Context) error {
	p.flushLk.Lock()
	defer p.flushLk.Unlock()
	return backoff.RetryNotify(
		func() error { return p.flushOnce(ctx) },
		backoff.WithContext(p.opts.NewBackOff(), ctx),
		func(err error, wait time.Duration) {
			p.logger.Warn("store write failed, serving from memory and retrying",
				telemetry.LabelError.L(err),
				"retry_in", wait,
				"pending", p.Pending(),
			)
		},
	)
}

func (p *Persister) take() (*grid.Metadata, []grid.Cell) {
	p.lk.Lock()
	defer p.lk.Unlock()
	meta := p.meta
	p.meta = nil
	if len(p.cells) == 0 {
		return meta, nil
	}
	cells := make([]grid.Cell, 0, len(p.cells))
	for _, c := range p.cells {
		cells = append(cells, c)
	}
	p.cells = make(map[grid.Coord]grid.Cell)
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
	return meta, cells
}

// putBack re-queues a failed batch without clobbering anything marked while
// the batch was in flight.
func (p *Persister) putBack(meta *grid.Metadata, cells []grid.Cell) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if meta != nil && p.meta == nil {
		p.meta = meta
	}
	for _, c := range cells {
		if _, newer := p.cells[c.Coord()]; !newer {
			p.cells[c.Coord()] = c
		}
	}
}

// flushOnce writes cells before metadata: a crash in between leaves the
// stored dimensions describing a fully written grid.
func (p *Persister) flushOnce(ctx context.Context) error {
	meta, cells := p.take()
	if meta == nil && len(cells) == 0 {
		return nil
	}
	start := time.Now()

	for i := 0; i < len(cells); i += p.opts.ChunkSize {
		chunk := cells[i:min(i+p.opts.ChunkSize, len(cells))]
		var err error
		if len(chunk) == 1 {
			err = p.store.UpsertCell(ctx, chunk[0])
		} else {
			err = p.store.UpsertManyCells(ctx, chunk)
		}
		if err != nil {
			p.putBack(meta, cells[i:])
			p.msink.IncrCounterWithLabels(telemetry.MetricStoreErrors, 1, []metrics.Label{telemetry.LabelKind.M("cells")})
			return fmt.Errorf("%w: failed to upsert %d cells: %w", ErrUnavailable, len(chunk), err)
		}
		p.msink.IncrCounter(telemetry.MetricStoreFlushedCells, float32(len(chunk)))
	}

	if meta != nil {
		if err := p.store.SaveMetadata(ctx, *meta); err != nil {
			p.putBack(meta, nil)
			p.msink.IncrCounterWithLabels(telemetry.MetricStoreErrors, 1, []metrics.Label{telemetry.LabelKind.M("metadata")})
			return fmt.Errorf("%w: failed to save metadata: %w", ErrUnavailable, err)
		}
	}

	p.msink.SetGauge(telemetry.MetricPersisterPending, float32(p.Pending()))
	p.logger.Debug("flushed grid to store", "cells", len(cells), "metadata", meta != nil, telemetry.LabelDuration.L(time.Since(start)))
	return nil
}
