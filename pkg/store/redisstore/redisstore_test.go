package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

func TestCellEncoding(t *testing.T) {
	c := grid.Cell{X: 12, Y: 7, Color: "#ABCDEF", Origin: "conn|with|pipes"}
	got, err := decodeCell(cellField(c), cellValue(c))
	require.NoError(t, err)
	require.Equal(t, c, got)

	_, err = decodeCell("12", "#ABCDEF|")
	require.Error(t, err)
	_, err = decodeCell("a:1", "#ABCDEF|")
	require.Error(t, err)
}

func TestTimeEncoding(t *testing.T) {
	ts := time.Unix(1700000000, 42).UTC()
	got, err := decodeTime(encodeTime(ts))
	require.NoError(t, err)
	require.Equal(t, ts, got)

	got, err = decodeTime(encodeTime(time.Time{}))
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := Open(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)

	_, found, err := s.LoadMetadata(ctx)
	require.NoError(t, err)
	require.False(t, found)

	meta := grid.Metadata{
		Width: 4, Height: 2,
		LastGrowth:    time.Unix(1700000000, 5).UTC(),
		LastRandomize: time.Unix(1700000100, 0).UTC(),
	}
	require.NoError(t, s.SaveMetadata(ctx, meta))
	require.NoError(t, s.UpsertCell(ctx, grid.Cell{X: 1, Y: 0, Color: "#000000", Origin: "a"}))
	require.NoError(t, s.UpsertManyCells(ctx, []grid.Cell{
		{X: 3, Y: 1, Color: "#222222", Origin: grid.ServerOrigin},
		{X: 1, Y: 0, Color: "#111111", Origin: "b"},
		{X: 0, Y: 1, Color: "#333333", Origin: "c"},
	}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer s.Close()

	got, found, err := s.LoadMetadata(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, meta, got)

	cells, err := s.LoadAllCells(ctx)
	require.NoError(t, err)
	require.Equal(t, []grid.Cell{
		{X: 1, Y: 0, Color: "#111111", Origin: "b"},
		{X: 0, Y: 1, Color: "#333333", Origin: "c"},
		{X: 3, Y: 1, Color: "#222222", Origin: grid.ServerOrigin},
	}, cells)

	require.Equal(t, "#111111|b", mr.HGet(DefaultPrefix+":cells", "1:0"))
}

func TestStore_UpsertManyCells(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := Open(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer s.Close()

	t.Run("when the batch is empty nothing is written", func(t *testing.T) {
		require.NoError(t, s.UpsertManyCells(ctx, nil))
		require.False(t, mr.Exists(DefaultPrefix+":cells"))
	})

	t.Run("when the server rejects the batch no cell is stored", func(t *testing.T) {
		mr.SetError("ERR injected failure")
		err := s.UpsertManyCells(ctx, []grid.Cell{
			{X: 0, Y: 0, Color: "#FFFFFF", Origin: "a"},
			{X: 1, Y: 0, Color: "#FFFFFF", Origin: "a"},
		})
		mr.SetError("")
		require.ErrorContains(t, err, "failed to persist 2 cells")

		cells, err := s.LoadAllCells(ctx)
		require.NoError(t, err)
		require.Empty(t, cells)
	})

	t.Run("when the batch succeeds every cell is stored", func(t *testing.T) {
		batch := make([]grid.Cell, 0, 64)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				batch = append(batch, grid.Cell{X: x, Y: y, Color: "#ABCDEF", Origin: grid.ServerOrigin})
			}
		}
		require.NoError(t, s.UpsertManyCells(ctx, batch))

		cells, err := s.LoadAllCells(ctx)
		require.NoError(t, err)
		require.Equal(t, batch, cells)
	})
}

func TestNew_Prefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := Open(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer a.Close()
	b := New(a.rdb, "other")

	require.NoError(t, b.UpsertCell(ctx, grid.Cell{X: 2, Y: 2, Color: "#000000"}))
	require.True(t, mr.Exists("other:cells"))

	cells, err := a.LoadAllCells(ctx)
	require.NoError(t, err)
	require.Empty(t, cells)
}
