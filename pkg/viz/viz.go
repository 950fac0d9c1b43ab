// Package viz renders grid snapshots to PNG images.
package viz

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/fogleman/gg"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

// MaxImageSide bounds the longest side of a rendered image in pixels.
const MaxImageSide = 4096

// CellSize picks the largest square cell size that keeps the image within
// MaxImageSide, with a minimum of one pixel.
func CellSize(width, height, preferred int) int {
	side := max(width, height)
	if side <= 0 {
		return preferred
	}
	size := min(preferred, MaxImageSide/side)
	return max(size, 1)
}

// Render draws snap with one square of cellSize pixels per cell.
func Render(snap grid.Snapshot, cellSize int) *gg.Context {
	cellSize = CellSize(snap.Width, snap.Height, cellSize)
	dc := gg.NewContext(snap.Width*cellSize, snap.Height*cellSize)
	r, g, b := snap.DefaultColor.RGB()
	dc.SetRGB255(int(r), int(g), int(b))
	dc.Clear()
	for _, c := range snap.Cells {
		r, g, b := c.Color.RGB()
		dc.SetRGB255(int(r), int(g), int(b))
		dc.DrawRectangle(float64(c.X*cellSize), float64(c.Y*cellSize), float64(cellSize), float64(cellSize))
		dc.Fill()
	}
	return dc
}

func EncodePNG(w io.Writer, snap grid.Snapshot, cellSize int) error {
	if err := Render(snap, cellSize).EncodePNG(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func RenderToFile(snap grid.Snapshot, cellSize int, outputPath string) error {
	if err := Render(snap, cellSize).SavePNG(outputPath); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

func RenderToTemp(snap grid.Snapshot, cellSize int) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("pixelgrid-%d%d.png", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(snap, cellSize, tf); err != nil {
		return "", err
	}
	return tf, nil
}
