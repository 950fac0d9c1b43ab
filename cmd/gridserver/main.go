package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/canvas"
	"github.com/astromechza/pixelgrid/pkg/config"
	"github.com/astromechza/pixelgrid/pkg/store"
	"github.com/astromechza/pixelgrid/pkg/viz"
	"github.com/astromechza/pixelgrid/pkg/wsconn"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := config.ApplyEnv(flag.CommandLine, nil); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)

	slog.Info("Opening store", "url", cfg.StoreURL)
	st, err := openStore(ctx, cfg.StoreURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	persister := store.NewPersister(st, store.PersisterOptions{
		FlushInterval: cfg.FlushInterval,
		MetricSink:    sink,
	})
	cv, err := canvas.New(cfg.GridOptions(),
		canvas.WithStore(st),
		canvas.WithPersister(persister),
		canvas.WithCooldown(cfg.Cooldown),
		canvas.WithMetricSink(sink),
		canvas.WithRandomizeCount(cfg.RandomizeCount),
		canvas.WithRandomizeOnlySparse(cfg.RandomizeOnlySparse),
	)
	if err != nil {
		return err
	}
	if err := cv.Initialize(ctx); err != nil {
		return err
	}

	scheduler := canvas.NewScheduler(cv.Clock(), nil, sink)
	scheduler.Every("growth", growthCheckPeriod(cfg), canvas.NewGrowthEngine(cv).Task())
	scheduler.Every("randomize", cfg.RandomizeInterval, canvas.NewRandomizer(cv).Tick)

	s := &server{canvas: cv, sink: sink}
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(wsconn.UpgradeHandler(ctx, cv, wsconn.Options{
		MessagesPerSecond: cfg.MessagesPerSecond,
		MetricSink:        sink,
	}))
	r.Methods(http.MethodGet).Path("/snapshot.png").HandlerFunc(s.getSnapshotPNG)
	r.Methods(http.MethodGet).Path("/debug/metrics").HandlerFunc(s.getMetrics)
	if cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir)))
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		persister.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	if cfg.MDNS {
		if mdns, err := advertise(cfg.ListenAddr); err != nil {
			slog.Error("failed to advertise on mdns", "err", err)
		} else {
			defer mdns.Shutdown()
		}
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := persister.Flush(flushCtx); err != nil {
		slog.Error("failed final flush, recent changes are lost", "err", err, "pending", persister.Pending())
	} else {
		slog.Info("Flushed grid to store")
	}
	return nil
}

// openStore retries the initial connection for a while: the store may come
// up after the server.
func openStore(ctx context.Context, url string) (store.Store, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	var st store.Store
	err := backoff.RetryNotify(func() error {
		var err error
		st, err = store.Open(ctx, url)
		if errors.Is(err, store.ErrUnsupportedScheme) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("store not available yet", "err", err, "retry_in", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func growthCheckPeriod(cfg config.Config) time.Duration {
	if cfg.GrowthInterval <= 0 {
		return 0
	}
	return cfg.GrowthCheckInterval
}

func advertise(addr string) (*zeroconf.Server, error) {
	_, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listen port: %w", err)
	}
	hostname, _ := os.Hostname()
	srv, err := zeroconf.Register("pixelgrid-"+hostname, "_pixelgrid._tcp", "local.", port, []string{"path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	slog.Info("Advertising on mdns", "service", "_pixelgrid._tcp", "port", port)
	return srv, nil
}

type server struct {
	canvas *canvas.Canvas
	sink   *metrics.InmemSink
}

func (s *server) getSnapshotPNG(writer http.ResponseWriter, request *http.Request) {
	cellSize := 8
	if raw := request.URL.Query().Get("cell"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		cellSize = v
	}
	writer.Header().Add("Content-Type", "image/png")
	writer.Header().Add("Cache-Control", "no-store")
	if err := viz.EncodePNG(writer, s.canvas.Snapshot(), cellSize); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getMetrics(writer http.ResponseWriter, request *http.Request) {
	summary, err := s.sink.DisplayMetrics(writer, request)
	if err != nil {
		slog.Error("failed to collect metrics", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(summary); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
