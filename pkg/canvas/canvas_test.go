package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/pixelgrid/pkg/broadcast"
	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/protocol"
	"github.com/astromechza/pixelgrid/pkg/store"
	"github.com/astromechza/pixelgrid/pkg/store/memstore"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	canvas *Canvas
	store  *memstore.Store
	clock  *fakeClock
}

func newHarness(t *testing.T, w, h int, opts ...Option) *harness {
	t.Helper()
	st := memstore.New()
	clock := newFakeClock(epoch)
	p := store.NewPersister(st, store.PersisterOptions{
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	})
	base := []Option{
		WithStore(st),
		WithPersister(p),
		WithClock(clock),
		WithCooldown(5 * time.Second),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithObserverQueueSize(1024),
	}
	c, err := New(grid.Options{
		InitialWidth:   w,
		InitialHeight:  h,
		DefaultColor:   grid.White,
		GrowthInterval: time.Hour,
		Prepopulate:    true,
	}, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	return &harness{canvas: c, store: st, clock: clock}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.canvas.Persister().Flush(context.Background()))
}

func send(t *testing.T, c *Canvas, id string, typ protocol.MessageType, data any) {
	t.Helper()
	raw, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(id, raw))
}

func click(t *testing.T, c *Canvas, id string, x, y int, color string) {
	t.Helper()
	send(t, c, id, protocol.TypeCellClicked, protocol.CellClicked{X: &x, Y: &y, Color: color})
}

func received(t *testing.T, o *broadcast.Observer) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case frame := <-o.Outbound():
			env, err := protocol.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func payload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestInitialize(t *testing.T) {
	t.Run("when the store is empty, a default grid is created and persisted", func(t *testing.T) {
		h := newHarness(t, 3, 2)
		snap := h.canvas.Snapshot()
		require.Equal(t, 3, snap.Width)
		require.Equal(t, 2, snap.Height)
		require.Len(t, snap.Cells, 6)

		h.flush(t)
		require.Equal(t, 6, h.store.Len())
		meta, found, err := h.store.LoadMetadata(context.Background())
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, grid.Metadata{Width: 3, Height: 2, LastGrowth: epoch}, meta)
	})

	t.Run("when the store has a grid, it is loaded as is", func(t *testing.T) {
		ctx := context.Background()
		st := memstore.New()
		require.NoError(t, st.SaveMetadata(ctx, grid.Metadata{Width: 8, Height: 8, LastGrowth: epoch}))
		require.NoError(t, st.UpsertCell(ctx, grid.Cell{X: 7, Y: 7, Color: "#010203", Origin: "someone"}))

		c, err := New(grid.Options{InitialWidth: 2, InitialHeight: 2, Prepopulate: true},
			WithStore(st), WithClock(newFakeClock(epoch)))
		require.NoError(t, err)
		require.NoError(t, c.Initialize(ctx))

		snap := c.Snapshot()
		require.Equal(t, 8, snap.Width)
		require.Equal(t, []grid.Cell{{X: 7, Y: 7, Color: "#010203", Origin: "someone"}}, snap.Cells)
	})

	t.Run("when the store cannot be read, initialization fails", func(t *testing.T) {
		st := memstore.New()
		st.FailReads(errors.New("connection refused"))
		c, err := New(grid.Options{InitialWidth: 2, InitialHeight: 2}, WithStore(st))
		require.NoError(t, err)
		require.ErrorIs(t, c.Initialize(context.Background()), store.ErrUnavailable)
	})
}

func TestClick_BroadcastsToEveryObserverIncludingWriter(t *testing.T) {
	h := newHarness(t, 4, 4)
	a := h.canvas.Connect("a")
	b := h.canvas.Connect("b")

	click(t, h.canvas, "a", 2, 1, "#00ff00")

	for _, o := range []*broadcast.Observer{a, b} {
		envs := received(t, o)
		require.Len(t, envs, 1)
		require.Equal(t, protocol.TypeCellUpdate, envs[0].Type)
		require.Equal(t, protocol.WireCell{ID: 6, X: 2, Y: 1, Color: "#00FF00", Origin: "a"}, payload[protocol.CellUpdate](t, envs[0]))
	}
	require.Equal(t, grid.Color("#00FF00"), h.canvas.Snapshot().ColorAt(2, 1))

	h.flush(t)
	stored, ok := h.store.Cell(grid.Coord{X: 2, Y: 1})
	require.True(t, ok)
	require.Equal(t, grid.Color("#00FF00"), stored.Color)
}

func TestClick_CooldownScenario(t *testing.T) {
	h := newHarness(t, 2, 2)
	c1 := h.canvas.Connect("c1")
	other := h.canvas.Connect("other")

	click(t, h.canvas, "c1", 0, 0, "#00FF00")
	require.Len(t, received(t, c1), 1)
	require.Len(t, received(t, other), 1)

	h.clock.Advance(2 * time.Second)
	click(t, h.canvas, "c1", 1, 1, "#0000FF")
	envs := received(t, c1)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.TypeCooldownRejected, envs[0].Type)
	require.Equal(t, 3, payload[protocol.CooldownRejected](t, envs[0]).RetryAfterSeconds)
	require.Empty(t, received(t, other), "rejections are only sent to the requester")
	require.Equal(t, grid.White, h.canvas.Snapshot().ColorAt(1, 1))

	h.clock.Advance(3 * time.Second)
	click(t, h.canvas, "c1", 1, 1, "#0000FF")
	envs = received(t, c1)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.TypeCellUpdate, envs[0].Type)
	require.Equal(t, grid.Color("#0000FF"), h.canvas.Snapshot().ColorAt(1, 1))
}

func TestClick_ProgrammaticCooldownError(t *testing.T) {
	h := newHarness(t, 2, 2)
	_, err := h.canvas.Click("x", grid.Coord{}, "#123456")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.canvas.Click("x", grid.Coord{X: 1}, "#123456")
	require.ErrorIs(t, err, ErrAdmissionDenied)
	var cdErr *CooldownError
	require.ErrorAs(t, err, &cdErr)
	require.Equal(t, 4*time.Second, cdErr.RetryAfter)
	require.Equal(t, 4, cdErr.RetryAfterSeconds())
}

func TestHandleMessage_InvalidRequests(t *testing.T) {
	h := newHarness(t, 2, 2)
	o := h.canvas.Connect("o")

	requests := map[string][]byte{
		"out of bounds": mustEncode(t, protocol.TypeCellClicked, map[string]any{"x": 2, "y": 0, "color": "#000000"}),
		"bad color":     mustEncode(t, protocol.TypeCellClicked, map[string]any{"x": 0, "y": 0, "color": "#00000G"}),
		"no target":     mustEncode(t, protocol.TypeCellClicked, map[string]any{"color": "#000000"}),
		"no data":       []byte(`{"type":"cellClicked"}`),
		"unknown type":  []byte(`{"type":"paint"}`),
		"not json":      []byte(`hello`),
	}
	for name, raw := range requests {
		require.NoError(t, h.canvas.HandleMessage("o", raw), name)
		envs := received(t, o)
		require.Len(t, envs, 1, name)
		require.Equal(t, protocol.TypeCellRejected, envs[0].Type, name)
		require.NotEmpty(t, payload[protocol.CellRejected](t, envs[0]).Reason, name)
	}

	click(t, h.canvas, "o", 1, 1, "#ABCDEF")
	envs := received(t, o)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.TypeCellUpdate, envs[0].Type, "rejected requests do not consume the cooldown")

	require.ErrorIs(t, h.canvas.HandleMessage("ghost", []byte(`{"type":"requestInitialData"}`)), ErrUnknownObserver)
}

func mustEncode(t *testing.T, typ protocol.MessageType, data any) []byte {
	t.Helper()
	raw, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	return raw
}

func TestHandleMessage_InitialDataAndAliases(t *testing.T) {
	h := newHarness(t, 2, 2)
	o := h.canvas.Connect("o")

	require.NoError(t, h.canvas.HandleMessage("o", []byte(`{"type":"getInitialData"}`)))
	envs := received(t, o)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.TypeInitialData, envs[0].Type)
	data := payload[protocol.InitialData](t, envs[0])
	require.Equal(t, 2, data.Width)
	require.Equal(t, 2, data.Height)
	require.Equal(t, 3600, data.CountdownSeconds)
	require.Len(t, data.Cells, 4)

	require.NoError(t, h.canvas.HandleMessage("o", []byte(`{"type":"checkboxClicked","data":{"id":3,"color":"#FF0000"}}`)))
	envs = received(t, o)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.WireCell{ID: 3, X: 1, Y: 1, Color: "#FF0000", Origin: "o"}, payload[protocol.CellUpdate](t, envs[0]))
}

func TestDisconnect_ReleasesCooldown(t *testing.T) {
	h := newHarness(t, 2, 2)
	o := h.canvas.Connect("conn")
	click(t, h.canvas, "conn", 0, 0, "#111111")
	require.Equal(t, 1, h.canvas.cooldown.Len())

	h.canvas.Disconnect("conn")
	require.Equal(t, 0, h.canvas.cooldown.Len())
	require.Equal(t, 0, h.canvas.Broadcaster().Registry().Len())
	select {
	case <-o.Done():
	default:
		t.Fatal("observer was not closed")
	}

	h.canvas.Connect("conn")
	_, err := h.canvas.Click("conn", grid.Coord{X: 1, Y: 1}, "#222222")
	require.NoError(t, err)
}

func TestGrowthEngine(t *testing.T) {
	h := newHarness(t, 2, 2)
	o := h.canvas.Connect("o")
	engine := NewGrowthEngine(h.canvas)
	red := grid.MustParseColor("#FF0000")

	_, err := h.canvas.Click("o", grid.Coord{}, string(red))
	require.NoError(t, err)
	received(t, o)

	grew, err := engine.Tick(context.Background(), epoch.Add(59*time.Minute))
	require.NoError(t, err)
	require.False(t, grew)

	h.clock.Advance(time.Hour)
	grew, err = engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.True(t, grew)

	envs := received(t, o)
	require.Len(t, envs, 1)
	require.Equal(t, protocol.TypeInitialData, envs[0].Type)
	data := payload[protocol.InitialData](t, envs[0])
	require.Equal(t, 4, data.Width)
	require.Equal(t, 4, data.Height)
	require.Equal(t, 3600, data.CountdownSeconds)

	snap := h.canvas.Snapshot()
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			want := grid.White
			if x%2 == 0 && y%2 == 0 {
				want = red
			}
			require.Equal(t, want, snap.ColorAt(x, y), "cell (%d,%d)", x, y)
		}
	}

	h.flush(t)
	require.Equal(t, 16, h.store.Len())
	meta, _, err := h.store.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, meta.Width)
	require.Equal(t, h.clock.Now(), meta.LastGrowth)

	grew, err = engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.False(t, grew, "growth is gated by the interval")
}

func TestGrowthEngine_OverlappingTickIsNoop(t *testing.T) {
	h := newHarness(t, 2, 2)
	engine := NewGrowthEngine(h.canvas)
	engine.running.Store(true)

	grew, err := engine.Tick(context.Background(), epoch.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrGrowthInProgress)
	require.False(t, grew)
	require.NoError(t, engine.Task()(context.Background(), epoch.Add(2*time.Hour)))
	require.Equal(t, 2, h.canvas.Snapshot().Width)

	engine.running.Store(false)
	grew, err = engine.Tick(context.Background(), epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, grew)
}

func TestGrowthEngine_ConcurrentTicksGrowOnce(t *testing.T) {
	h := newHarness(t, 4, 4)
	engine := NewGrowthEngine(h.canvas)
	now := epoch.Add(time.Hour)

	wg := new(sync.WaitGroup)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Tick(context.Background(), now)
		}()
	}
	wg.Wait()
	require.Equal(t, 8, h.canvas.Snapshot().Width)
}

func TestRandomizer(t *testing.T) {
	h := newHarness(t, 4, 4, WithRandomizeCount(3))
	o := h.canvas.Connect("o")
	now := epoch.Add(30 * time.Second)

	require.NoError(t, NewRandomizer(h.canvas).Tick(context.Background(), now))

	envs := received(t, o)
	require.Len(t, envs, 3)
	for _, env := range envs {
		require.Equal(t, protocol.TypeCellUpdate, env.Type)
		cell := payload[protocol.CellUpdate](t, env)
		require.Equal(t, grid.ServerOrigin, cell.Origin)
		require.True(t, cell.Color.Valid())
	}
	require.Equal(t, 0, h.canvas.cooldown.Len(), "randomized writes bypass the cooldown")

	h.flush(t)
	meta, _, err := h.store.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, now, meta.LastRandomize)
}

func TestRandomizer_OnlySparse(t *testing.T) {
	h := newHarness(t, 2, 2, WithRandomizeOnlySparse(true))
	cells, err := h.canvas.Randomize(epoch)
	require.NoError(t, err)
	require.Empty(t, cells, "a fully written grid is left alone")
}

func TestStoreOutage_KeepsServing(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.flush(t)
	o := h.canvas.Connect("o")
	h.store.FailWrites(errors.New("connection reset"))

	click(t, h.canvas, "o", 1, 0, "#FEDCBA")
	require.Len(t, received(t, o), 1)
	require.Equal(t, grid.Color("#FEDCBA"), h.canvas.Snapshot().ColorAt(1, 0))
	require.ErrorIs(t, h.canvas.Persister().Flush(context.Background()), store.ErrUnavailable)

	h.store.FailWrites(nil)
	h.flush(t)
	stored, _ := h.store.Cell(grid.Coord{X: 1, Y: 0})
	require.Equal(t, grid.Color("#FEDCBA"), stored.Color)
}

func TestConcurrentWrites_SameCellOrderAgrees(t *testing.T) {
	h := newHarness(t, 2, 2, WithCooldown(0))
	o := h.canvas.Connect("watcher")

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := h.canvas.Click(fmt.Sprintf("w%d", i), grid.Coord{}, fmt.Sprintf("#%02X%02X00", i, j))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	envs := received(t, o)
	require.Len(t, envs, 160)
	last := payload[protocol.CellUpdate](t, envs[len(envs)-1])
	require.Equal(t, h.canvas.Snapshot().ColorAt(0, 0), last.Color)

	h.flush(t)
	stored, _ := h.store.Cell(grid.Coord{})
	require.Equal(t, last.Color, stored.Color)
}

func TestScheduler_RunsTasksOnClockTicks(t *testing.T) {
	clock := newFakeClock(epoch)
	s := NewScheduler(clock, nil, nil)

	var lk sync.Mutex
	var seen []time.Time
	s.Every("record", time.Minute, func(_ context.Context, now time.Time) error {
		lk.Lock()
		defer lk.Unlock()
		seen = append(seen, now)
		return nil
	})
	s.Every("failing", time.Minute, func(context.Context, time.Time) error {
		return errors.New("boom")
	})
	s.Every("disabled", 0, func(context.Context, time.Time) error {
		t.Error("disabled task ran")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	require.Eventually(t, func() bool { return clock.activeTickers() == 2 }, time.Second, time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	lk.Lock()
	require.Equal(t, epoch.Add(time.Minute), seen[0])
	lk.Unlock()

	cancel()
	<-done
	require.Equal(t, 0, clock.activeTickers())
}

func TestGrowthEngine_StopsAtMaxCells(t *testing.T) {
	clock := newFakeClock(epoch)
	c, err := New(grid.Options{
		InitialWidth:   2,
		InitialHeight:  2,
		GrowthInterval: time.Hour,
		Prepopulate:    true,
		MaxCells:       8,
	}, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	o := c.Connect("o")
	engine := NewGrowthEngine(c)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		grew, err := engine.Tick(context.Background(), clock.Now())
		require.NoError(t, err)
		require.False(t, grew)
	}
	require.Empty(t, received(t, o))

	snap := c.Snapshot()
	require.Equal(t, 2, snap.Width)
	require.True(t, snap.GrowthStopped)
	require.Equal(t, 0, snap.CountdownSeconds)

	require.NoError(t, c.HandleMessage("o", []byte(`{"type":"requestInitialData"}`)))
	envs := received(t, o)
	require.Len(t, envs, 1)
	require.True(t, payload[protocol.InitialData](t, envs[0]).GrowthStopped)

	_, err = c.Grow()
	require.ErrorIs(t, err, grid.ErrGridTooLarge, "an explicit growth still reports the cap")
}
