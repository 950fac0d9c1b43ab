package grid

import (
	"fmt"
	"sort"
	"time"
)

// ServerOrigin tags cells written by the server itself (randomizer,
// pre-population).
const ServerOrigin = "server"

// Coord addresses a cell. Cells are keyed by coordinates rather than ids
// because ids shift whenever the grid grows.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ID returns the row-major index of the coordinate for a grid of the given
// width.
func (c Coord) ID(width int) int {
	return c.Y*width + c.X
}

// In reports whether the coordinate lies inside [0,width) x [0,height).
func (c Coord) In(width, height int) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < width && c.Y < height
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// CoordFromID is the inverse of Coord.ID.
func CoordFromID(id, width, height int) (Coord, error) {
	if width <= 0 || id < 0 || id >= width*height {
		return Coord{}, fmt.Errorf("%w: id %d", ErrOutOfBounds, id)
	}
	return Coord{X: id % width, Y: id / width}, nil
}

// Cell is one written cell of the grid.
type Cell struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  Color  `json:"color"`
	Origin string `json:"origin,omitempty"`
}

func (c Cell) Coord() Coord {
	return Coord{X: c.X, Y: c.Y}
}

// Metadata is the durable description of the grid.
type Metadata struct {
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	LastGrowth    time.Time `json:"lastGrowth"`
	LastRandomize time.Time `json:"lastRandomize"`
}

// Snapshot is a consistent point-in-time copy of the grid. Cells lists the
// written cells in row-major order; every other coordinate has DefaultColor.
type Snapshot struct {
	Width            int
	Height           int
	CountdownSeconds int
	// GrowthStopped is set when the grid will not grow again, either because
	// growth is disabled or because the next doubling exceeds the cell cap.
	GrowthStopped bool
	DefaultColor  Color
	Cells         []Cell
}

// ColorAt returns the color of (x, y), falling back to the default color for
// cells that were never written. Cells must be in row-major order: a dense
// snapshot is indexed directly, a sparse one is binary searched.
func (s Snapshot) ColorAt(x, y int) Color {
	if !(Coord{X: x, Y: y}).In(s.Width, s.Height) {
		return s.DefaultColor
	}
	if len(s.Cells) == s.Width*s.Height {
		if c := s.Cells[y*s.Width+x]; c.X == x && c.Y == y {
			return c.Color
		}
	}
	i := sort.Search(len(s.Cells), func(i int) bool {
		c := s.Cells[i]
		return c.Y > y || (c.Y == y && c.X >= x)
	})
	if i < len(s.Cells) && s.Cells[i].X == x && s.Cells[i].Y == y {
		return s.Cells[i].Color
	}
	return s.DefaultColor
}

// Colors expands the snapshot into a dense row-major slice.
func (s Snapshot) Colors() []Color {
	out := make([]Color, s.Width*s.Height)
	for i := range out {
		out[i] = s.DefaultColor
	}
	for _, c := range s.Cells {
		out[c.Y*s.Width+c.X] = c.Color
	}
	return out
}

// GrowthResult describes one doubling.
type GrowthResult struct {
	OldWidth   int
	OldHeight  int
	NewWidth   int
	NewHeight  int
	Replicated []Cell
	Metadata   Metadata
}
