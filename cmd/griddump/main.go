package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/store"
	"github.com/astromechza/pixelgrid/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	outVar := flag.String("out", "", "where to write the png, defaults to a temp file")
	cellVar := flag.Int("cell", 4, "the size of a cell in pixels")
	topVar := flag.Int("top", 10, "how many of the most used colors to print")
	defaultColorVar := flag.String("default-color", string(grid.White), "the color of cells never written")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the store url to read")
	}
	defaultColor, err := grid.ParseColor(*defaultColorVar)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st, err := store.Open(ctx, flag.Arg(0))
	if err != nil {
		return err
	}
	defer st.Close()

	meta, found, err := st.LoadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	} else if !found {
		return fmt.Errorf("the store holds no grid")
	}
	cells, err := st.LoadAllCells(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cells: %w", err)
	}
	slog.Info("loaded grid",
		"width", meta.Width,
		"height", meta.Height,
		"last_growth", meta.LastGrowth,
		"last_randomize", meta.LastRandomize,
		"written", len(cells),
		"total", meta.Width*meta.Height,
	)

	counts := map[grid.Color]int{}
	origins := map[string]int{}
	for _, c := range cells {
		counts[c.Color]++
		origins[c.Origin]++
	}
	counts[defaultColor] += meta.Width*meta.Height - len(cells)
	colors := make([]grid.Color, 0, len(counts))
	for c := range counts {
		colors = append(colors, c)
	}
	sort.Slice(colors, func(i, j int) bool {
		if counts[colors[i]] != counts[colors[j]] {
			return counts[colors[i]] > counts[colors[j]]
		}
		return colors[i] < colors[j]
	})
	for i, c := range colors {
		if i >= *topVar {
			break
		}
		fmt.Printf("%s %8d\n", c, counts[c])
	}
	slog.Info("origins", "server", origins[grid.ServerOrigin], "connections", len(cells)-origins[grid.ServerOrigin])

	snap := grid.Snapshot{Width: meta.Width, Height: meta.Height, DefaultColor: defaultColor, Cells: cells}
	path := *outVar
	if path == "" {
		if path, err = viz.RenderToTemp(snap, *cellVar); err != nil {
			return err
		}
	} else if err := viz.RenderToFile(snap, *cellVar, path); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+path)
	return nil
}
