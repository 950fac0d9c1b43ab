package canvas

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

// GrowthEngine doubles the grid whenever the growth interval has elapsed.
// Ticks never overlap: a tick arriving while another one is growing
// returns ErrGrowthInProgress and does nothing.
type GrowthEngine struct {
	canvas  *Canvas
	running atomic.Bool
}

func NewGrowthEngine(c *Canvas) *GrowthEngine {
	return &GrowthEngine{canvas: c}
}

// Tick grows the grid if it is due. It reports whether it grew.
func (g *GrowthEngine) Tick(_ context.Context, now time.Time) (bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		g.canvas.msink.IncrCounter(telemetry.MetricGrowthSkipped, 1)
		g.canvas.logger.Debug("skipping growth tick", telemetry.LabelReason.L(ErrGrowthInProgress))
		return false, ErrGrowthInProgress
	}
	defer g.running.Store(false)
	return g.canvas.growIfDue(now)
}

// Task adapts Tick to the scheduler. Overlapping ticks are not an error.
func (g *GrowthEngine) Task() Task {
	return func(ctx context.Context, now time.Time) error {
		if _, err := g.Tick(ctx, now); err != nil && !errors.Is(err, ErrGrowthInProgress) {
			return err
		}
		return nil
	}
}
