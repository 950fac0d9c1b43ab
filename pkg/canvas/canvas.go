// Package canvas coordinates the grid: it admits edits, applies them to the
// in-memory state, queues them for persistence and fans them out to
// observers. Growth and randomization go through the same path.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/broadcast"
	"github.com/astromechza/pixelgrid/pkg/cooldown"
	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/protocol"
	"github.com/astromechza/pixelgrid/pkg/store"
	"github.com/astromechza/pixelgrid/pkg/store/memstore"
	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

// Canvas owns the grid. mu is held for writing around every mutation
// together with its persistence mark and broadcast enqueue, so changes to a
// coordinate reach the store and every observer in the order they were
// applied. Snapshot sends hold it for reading.
type Canvas struct {
	state     *grid.State
	gridOpts  grid.Options
	cooldown  *cooldown.Tracker
	store     store.Store
	persister *store.Persister
	bcast     *broadcast.Broadcaster
	clock     Clock
	logger    *slog.Logger
	msink     metrics.MetricSink
	cfg       config

	mu              sync.RWMutex
	rnd             *rand.Rand
	growthCapLogged bool
}

func New(gridOpts grid.Options, opts ...Option) (*Canvas, error) {
	cfg := config{
		clock:          SystemClock{},
		msink:          &metrics.BlackholeSink{},
		randomizeCount: 1,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	logger := telemetry.LoggerOrDefault(cfg.logger)

	state, err := grid.NewState(gridOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create grid: %w", err)
	}
	if cfg.store == nil {
		cfg.store = memstore.New()
	}
	if cfg.persister == nil {
		cfg.persister = store.NewPersister(cfg.store, store.PersisterOptions{
			Logger:     logger,
			MetricSink: cfg.msink,
		})
	}
	if cfg.broadcaster == nil {
		cfg.broadcaster = broadcast.New(nil, logger, cfg.msink)
	}
	if cfg.rnd == nil {
		cfg.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Canvas{
		state:     state,
		gridOpts:  gridOpts,
		cooldown:  cooldown.New(cfg.cooldown),
		store:     cfg.store,
		persister: cfg.persister,
		bcast:     cfg.broadcaster,
		clock:     cfg.clock,
		logger:    logger,
		msink:     cfg.msink,
		cfg:       cfg,
		rnd:       cfg.rnd,
	}, nil
}

func (c *Canvas) Persister() *store.Persister {
	return c.persister
}

func (c *Canvas) Broadcaster() *broadcast.Broadcaster {
	return c.bcast
}

func (c *Canvas) Clock() Clock {
	return c.clock
}

// GrowthInterval is the minimum time between two growths.
func (c *Canvas) GrowthInterval() time.Duration {
	return c.gridOpts.GrowthInterval
}

// Initialize loads the grid from the store. A store that was never written
// gets default metadata and, when enabled, a fully pre-populated grid; both
// are queued for persistence.
func (c *Canvas) Initialize(ctx context.Context) error {
	meta, found, err := c.store.LoadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load metadata: %w", store.ErrUnavailable, err)
	}
	var cells []grid.Cell
	if found {
		if cells, err = c.store.LoadAllCells(ctx); err != nil {
			return fmt.Errorf("%w: failed to load cells: %w", store.ErrUnavailable, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.state.Initialize(meta, found, cells, c.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to initialize grid: %w", err)
	}
	if res.CreatedMetadata {
		c.persister.MarkMetadata(c.state.Metadata())
	}
	c.persister.MarkCells(res.Prepopulated...)
	if res.Skipped > 0 {
		c.logger.Warn("skipped stored cells that do not fit the grid", "count", res.Skipped)
	}

	w, h := c.state.Size()
	c.msink.SetGauge(telemetry.MetricGridCells, float32(w*h))
	c.logger.Info("grid initialized",
		"width", w,
		"height", h,
		"written", c.state.Written(),
		"created", res.CreatedMetadata,
		"prepopulated", len(res.Prepopulated),
	)
	return nil
}

// Snapshot is a consistent copy of the grid at the current time.
func (c *Canvas) Snapshot() grid.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Snapshot(c.clock.Now())
}

// Connect registers a new observer under id.
func (c *Canvas) Connect(id string) *broadcast.Observer {
	o := broadcast.NewObserver(id, c.cfg.queueSize)
	c.bcast.Registry().Add(o)
	c.msink.SetGauge(telemetry.MetricObservers, float32(c.bcast.Registry().Len()))
	c.logger.Debug("observer connected", telemetry.LabelConnID.L(id))
	return o
}

// Disconnect unregisters id and forgets its cooldown.
func (c *Canvas) Disconnect(id string) {
	if o, ok := c.bcast.Registry().Remove(id); ok {
		o.Close()
	}
	c.cooldown.Release(id)
	c.msink.SetGauge(telemetry.MetricObservers, float32(c.bcast.Registry().Len()))
	c.logger.Debug("observer disconnected", telemetry.LabelConnID.L(id))
}

// SendSnapshotTo unicasts the current snapshot. No mutation can be enqueued
// between taking the snapshot and enqueuing it.
func (c *Canvas) SendSnapshotTo(o *broadcast.Observer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bcast.SendSnapshotTo(o, c.state.Snapshot(c.clock.Now()))
}

// HandleMessage processes one frame received from observer id. Protocol
// level problems are answered to the observer and not returned.
func (c *Canvas) HandleMessage(id string, raw []byte) error {
	o, ok := c.bcast.Registry().Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, id)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return c.reject(o, err)
	}
	switch env.Type {
	case protocol.TypeRequestInitialData:
		return c.SendSnapshotTo(o)
	case protocol.TypeCellClicked:
		var msg protocol.CellClicked
		if err := protocol.DecodeData(env, &msg); err != nil {
			return c.reject(o, err)
		}
		_, err := c.click(id, msg.Coord, msg.Color)
		var cdErr *CooldownError
		if errors.As(err, &cdErr) {
			return c.bcast.SendTo(o, protocol.TypeCooldownRejected, protocol.CooldownRejected{
				RetryAfterSeconds: cdErr.RetryAfterSeconds(),
			})
		} else if err != nil {
			return c.reject(o, err)
		}
		return nil
	default:
		return c.reject(o, fmt.Errorf("%w: unknown type %q", protocol.ErrMalformed, env.Type))
	}
}

func (c *Canvas) reject(o *broadcast.Observer, cause error) error {
	c.msink.IncrCounter(telemetry.MetricInvalidRequests, 1)
	c.logger.Debug("rejected request", telemetry.LabelConnID.L(o.ID()), telemetry.LabelError.L(cause))
	return c.bcast.SendTo(o, protocol.TypeCellRejected, protocol.CellRejected{Reason: cause.Error()})
}

// Click applies an edit from connection id. Invalid coordinates or colors
// never consume the cooldown.
func (c *Canvas) Click(id string, coord grid.Coord, color string) (grid.Cell, error) {
	return c.click(id, func(int, int) (grid.Coord, error) { return coord, nil }, color)
}

func (c *Canvas) click(id string, resolve func(w, h int) (grid.Coord, error), rawColor string) (grid.Cell, error) {
	color, err := grid.ParseColor(rawColor)
	if err != nil {
		return grid.Cell{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	coord, err := resolve(c.state.Size())
	if err != nil {
		return grid.Cell{}, err
	}
	if _, _, err := c.state.Get(coord); err != nil {
		return grid.Cell{}, err
	}
	if d := c.cooldown.TryAdmit(id, c.clock.Now()); !d.Admitted {
		c.msink.IncrCounter(telemetry.MetricCooldownRejected, 1)
		return grid.Cell{}, &CooldownError{RetryAfter: d.RetryAfter}
	}
	cell, err := c.state.SetCell(coord, color, id)
	if err != nil {
		return grid.Cell{}, err
	}
	c.appliedLocked(cell, "user")
	return cell, nil
}

// appliedLocked persists and broadcasts a cell the state just accepted.
func (c *Canvas) appliedLocked(cell grid.Cell, kind string) {
	c.persister.MarkCells(cell)
	w, _ := c.state.Size()
	if _, err := c.bcast.BroadcastCellChange(cell, w); err != nil {
		c.logger.Error("failed to broadcast cell change", telemetry.LabelCoord.L(cell.Coord().String()), telemetry.LabelError.L(err))
	}
	c.msink.IncrCounterWithLabels(telemetry.MetricCellWrites, 1, []metrics.Label{telemetry.LabelOrigin.M(kind)})
}

// Grow doubles the grid now, regardless of when it last grew.
func (c *Canvas) Grow() (grid.GrowthResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.growLocked(c.clock.Now())
}

// growIfDue grows when at least GrowthInterval elapsed since the last
// growth. A non-positive interval disables growth, and a grid that cannot
// double within MaxCells stays at its size.
func (c *Canvas) growIfDue(now time.Time) (bool, error) {
	if c.gridOpts.GrowthInterval <= 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanGrow() {
		if !c.growthCapLogged {
			w, h := c.state.Size()
			c.logger.Warn("grid reached its maximum size, growth stopped", "width", w, "height", h)
			c.growthCapLogged = true
		}
		return false, nil
	}
	if now.Sub(c.state.Metadata().LastGrowth) < c.gridOpts.GrowthInterval {
		return false, nil
	}
	_, err := c.growLocked(now)
	return err == nil, err
}

func (c *Canvas) growLocked(now time.Time) (grid.GrowthResult, error) {
	start := time.Now()
	res, err := c.state.Grow(now)
	if err != nil {
		return res, err
	}
	c.persister.MarkCells(res.Replicated...)
	c.persister.MarkMetadata(res.Metadata)
	if _, err := c.bcast.BroadcastFullSnapshot(c.state.Snapshot(now)); err != nil {
		c.logger.Error("failed to broadcast grown grid", telemetry.LabelError.L(err))
	}
	c.msink.IncrCounter(telemetry.MetricGrowths, 1)
	c.msink.SetGauge(telemetry.MetricGridCells, float32(res.NewWidth*res.NewHeight))
	c.logger.Info("grid grew",
		"from", fmt.Sprintf("%dx%d", res.OldWidth, res.OldHeight),
		"to", fmt.Sprintf("%dx%d", res.NewWidth, res.NewHeight),
		"replicated", len(res.Replicated),
		telemetry.LabelDuration.L(time.Since(start)),
	)
	return res, nil
}

// Randomize recolors RandomizeCount random cells with random colors. These
// writes are attributed to the server and bypass the cooldown.
func (c *Canvas) Randomize(now time.Time) ([]grid.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.randomizeOnlySparse && !c.state.Sparse() {
		return nil, nil
	}
	out := make([]grid.Cell, 0, c.cfg.randomizeCount)
	for i := 0; i < c.cfg.randomizeCount; i++ {
		coord := c.state.PickRandomCell(c.rnd)
		cell, err := c.state.SetCell(coord, grid.RandomColor(c.rnd), grid.ServerOrigin)
		if err != nil {
			return out, err
		}
		c.appliedLocked(cell, grid.ServerOrigin)
		out = append(out, cell)
	}
	c.persister.MarkMetadata(c.state.MarkRandomized(now))
	c.msink.IncrCounter(telemetry.MetricRandomizerWrites, float32(len(out)))
	return out, nil
}
