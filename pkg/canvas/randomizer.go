package canvas

import (
	"context"
	"time"
)

// Randomizer recolors random cells on every tick.
type Randomizer struct {
	canvas *Canvas
}

func NewRandomizer(c *Canvas) *Randomizer {
	return &Randomizer{canvas: c}
}

func (r *Randomizer) Tick(_ context.Context, now time.Time) error {
	cells, err := r.canvas.Randomize(now)
	if err != nil {
		return err
	}
	if len(cells) > 0 {
		r.canvas.logger.Debug("randomized cells", "count", len(cells))
	}
	return nil
}
