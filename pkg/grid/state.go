package grid

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const DefaultMaxCells = 1 << 24

// Options configures a State.
type Options struct {
	InitialWidth  int
	InitialHeight int
	DefaultColor  Color

	// GrowthInterval is only used to derive the countdown exposed in
	// snapshots; State never decides when to grow.
	GrowthInterval time.Duration

	// Prepopulate fills an empty grid with DefaultColor on Initialize.
	Prepopulate bool

	// MaxCells bounds width*height. Zero means DefaultMaxCells.
	MaxCells int
}

type record struct {
	color   Color
	origin  string
	written bool
}

// State is the authoritative in-memory grid. Reads may run concurrently,
// mutations are exclusive.
type State struct {
	opts Options

	lk      sync.RWMutex
	meta    Metadata
	cells   []record
	written int
}

// InitResult reports what Initialize had to create on top of what was
// loaded.
type InitResult struct {
	CreatedMetadata bool
	Prepopulated    []Cell
	Skipped         int
}

func NewState(opts Options) (*State, error) {
	if opts.InitialWidth <= 0 || opts.InitialHeight <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, opts.InitialWidth, opts.InitialHeight)
	}
	if opts.DefaultColor == "" {
		opts.DefaultColor = White
	}
	c, err := ParseColor(string(opts.DefaultColor))
	if err != nil {
		return nil, err
	}
	opts.DefaultColor = c
	if opts.MaxCells <= 0 {
		opts.MaxCells = DefaultMaxCells
	}
	s := &State{opts: opts}
	s.reset(Metadata{Width: opts.InitialWidth, Height: opts.InitialHeight})
	return s, nil
}

func (s *State) reset(meta Metadata) {
	s.meta = meta
	s.cells = make([]record, meta.Width*meta.Height)
	s.written = 0
}

// Initialize replaces the grid with loaded data. When found is false the
// default metadata is created with LastGrowth set to now. Loaded cells that
// do not fit the grid are skipped.
func (s *State) Initialize(meta Metadata, found bool, cells []Cell, now time.Time) (InitResult, error) {
	var res InitResult
	if !found {
		meta = Metadata{
			Width:      s.opts.InitialWidth,
			Height:     s.opts.InitialHeight,
			LastGrowth: now,
		}
		res.CreatedMetadata = true
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return res, fmt.Errorf("%w: stored %dx%d", ErrInvalidSize, meta.Width, meta.Height)
	}
	if meta.Width*meta.Height > s.opts.MaxCells {
		return res, fmt.Errorf("%w: stored %dx%d exceeds %d cells", ErrInvalidSize, meta.Width, meta.Height, s.opts.MaxCells)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.reset(meta)
	for _, c := range cells {
		if !c.Coord().In(meta.Width, meta.Height) || !c.Color.Valid() {
			res.Skipped++
			continue
		}
		s.setLocked(c)
	}

	if s.written == 0 && s.opts.Prepopulate {
		res.Prepopulated = make([]Cell, 0, len(s.cells))
		for y := 0; y < meta.Height; y++ {
			for x := 0; x < meta.Width; x++ {
				c := Cell{X: x, Y: y, Color: s.opts.DefaultColor, Origin: ServerOrigin}
				s.setLocked(c)
				res.Prepopulated = append(res.Prepopulated, c)
			}
		}
	}
	return res, nil
}

func (s *State) setLocked(c Cell) {
	rec := &s.cells[c.Y*s.meta.Width+c.X]
	if !rec.written {
		s.written++
	}
	*rec = record{color: c.Color, origin: c.Origin, written: true}
}

// DefaultColor is the color of cells that were never written.
func (s *State) DefaultColor() Color {
	return s.opts.DefaultColor
}

// Metadata returns a copy of the current metadata.
func (s *State) Metadata() Metadata {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.meta
}

// Size returns the current width and height.
func (s *State) Size() (int, int) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.meta.Width, s.meta.Height
}

// Written is the number of cells that hold an explicit color.
func (s *State) Written() int {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.written
}

// Sparse reports whether some cells were never written.
func (s *State) Sparse() bool {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.written < len(s.cells)
}

// Countdown returns the time left until the next growth is due.
func (s *State) Countdown(now time.Time) time.Duration {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.countdownLocked(now)
}

// CanGrow reports whether growth is enabled and the next doubling stays
// within MaxCells.
func (s *State) CanGrow() bool {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.canGrowLocked()
}

func (s *State) canGrowLocked() bool {
	return s.opts.GrowthInterval > 0 && 4*s.meta.Width*s.meta.Height <= s.opts.MaxCells
}

func (s *State) countdownLocked(now time.Time) time.Duration {
	if !s.canGrowLocked() {
		return 0
	}
	left := s.opts.GrowthInterval - now.Sub(s.meta.LastGrowth)
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot returns a consistent copy of the grid.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.lk.RLock()
	defer s.lk.RUnlock()
	snap := Snapshot{
		Width:            s.meta.Width,
		Height:           s.meta.Height,
		CountdownSeconds: int(math.Ceil(s.countdownLocked(now).Seconds())),
		GrowthStopped:    !s.canGrowLocked(),
		DefaultColor:     s.opts.DefaultColor,
		Cells:            make([]Cell, 0, s.written),
	}
	for i, rec := range s.cells {
		if !rec.written {
			continue
		}
		snap.Cells = append(snap.Cells, Cell{
			X:      i % s.meta.Width,
			Y:      i / s.meta.Width,
			Color:  rec.color,
			Origin: rec.origin,
		})
	}
	return snap
}

// Get returns the color at c and whether it was ever written.
func (s *State) Get(c Coord) (Color, bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if !c.In(s.meta.Width, s.meta.Height) {
		return "", false, fmt.Errorf("%w: %s", ErrOutOfBounds, c)
	}
	rec := s.cells[c.ID(s.meta.Width)]
	if !rec.written {
		return s.opts.DefaultColor, false, nil
	}
	return rec.color, true, nil
}

// SetCell writes one cell, creating it if it was never written.
func (s *State) SetCell(c Coord, color Color, origin string) (Cell, error) {
	if !color.Valid() {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidColor, color)
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if !c.In(s.meta.Width, s.meta.Height) {
		return Cell{}, fmt.Errorf("%w: %s in %dx%d", ErrOutOfBounds, c, s.meta.Width, s.meta.Height)
	}
	cell := Cell{X: c.X, Y: c.Y, Color: color, Origin: origin}
	s.setLocked(cell)
	return cell, nil
}

// MarkRandomized records the time of the last randomizer run.
func (s *State) MarkRandomized(now time.Time) Metadata {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.meta.LastRandomize = now
	return s.meta
}

// Grow doubles both dimensions. Every written cell (x,y) is replicated to
// (x+W,y), (x,y+H) and (x+W,y+H); the original keeps its color. Timing is the
// caller's concern.
func (s *State) Grow(now time.Time) (GrowthResult, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	oldW, oldH := s.meta.Width, s.meta.Height
	newW, newH := oldW*2, oldH*2
	if newW*newH > s.opts.MaxCells {
		return GrowthResult{}, fmt.Errorf("%w: %dx%d", ErrGridTooLarge, newW, newH)
	}

	next := make([]record, newW*newH)
	replicated := make([]Cell, 0, 3*s.written)
	for y := 0; y < oldH; y++ {
		for x := 0; x < oldW; x++ {
			rec := s.cells[y*oldW+x]
			next[y*newW+x] = rec
			if !rec.written {
				continue
			}
			for _, c := range [3]Coord{{x + oldW, y}, {x, y + oldH}, {x + oldW, y + oldH}} {
				next[c.Y*newW+c.X] = rec
				replicated = append(replicated, Cell{X: c.X, Y: c.Y, Color: rec.color, Origin: rec.origin})
			}
		}
	}

	s.cells = next
	s.written *= 4
	s.meta.Width = newW
	s.meta.Height = newH
	s.meta.LastGrowth = now

	return GrowthResult{
		OldWidth:   oldW,
		OldHeight:  oldH,
		NewWidth:   newW,
		NewHeight:  newH,
		Replicated: replicated,
		Metadata:   s.meta,
	}, nil
}

// PickRandomCell returns a uniformly chosen coordinate of the current grid.
// r is owned by the caller.
func (s *State) PickRandomCell(r *rand.Rand) Coord {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return Coord{X: r.IntN(s.meta.Width), Y: r.IntN(s.meta.Height)}
}
