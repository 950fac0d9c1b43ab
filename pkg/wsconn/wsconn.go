// Package wsconn runs observer sessions over websockets: one reader and one
// writer goroutine per connection.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"github.com/astromechza/pixelgrid/pkg/broadcast"
	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

const (
	DefaultWriteWait         = 10 * time.Second
	DefaultPongWait          = 60 * time.Second
	DefaultMaxMessageSize    = 4096
	DefaultMessagesPerSecond = 20
)

// Handler is the session's view of the canvas.
type Handler interface {
	Connect(id string) *broadcast.Observer
	Disconnect(id string)
	HandleMessage(id string, raw []byte) error
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// MessagesPerSecond bounds inbound frames per connection. Frames above
	// the limit are dropped. Zero means DefaultMessagesPerSecond, negative
	// disables the limit.
	MessagesPerSecond float64

	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.MessagesPerSecond == 0 {
		o.MessagesPerSecond = DefaultMessagesPerSecond
	}
	o.Logger = telemetry.LoggerOrDefault(o.Logger)
	o.MetricSink = telemetry.SinkOrBlackhole(o.MetricSink)
	return o
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

func (o Options) limiter() *rate.Limiter {
	if o.MessagesPerSecond < 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(o.MessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.MessagesPerSecond), burst)
}

// Serve runs a session on conn until the peer goes away, the observer is
// dropped by the broadcaster or ctx is done. The connection is closed when
// Serve returns.
func Serve(ctx context.Context, conn *websocket.Conn, h Handler, opts Options) {
	opts = opts.withDefaults()
	id := uuid.NewString()
	logger := opts.Logger.With(telemetry.LabelConnID.L(id))
	observer := h.Connect(id)
	defer h.Disconnect(id)
	logger.Info("session started", "remote", conn.RemoteAddr().String())

	readDone := make(chan struct{})
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readDone)
		defer conn.Close()
		if err := readLoop(conn, id, h, opts, logger); err != nil {
			logger.Debug("session read ended", telemetry.LabelError.L(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := writeLoop(ctx, conn, observer, readDone, opts); err != nil {
			logger.Debug("session write ended", telemetry.LabelError.L(err))
		}
	}()

	wg.Wait()
	logger.Info("session ended")
}

func readLoop(conn *websocket.Conn, id string, h Handler, opts Options, logger *slog.Logger) error {
	conn.SetReadLimit(opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	limiter := opts.limiter()
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}
		if !limiter.Allow() {
			opts.MetricSink.IncrCounter(telemetry.MetricInboundDropped, 1)
			logger.Debug("dropped inbound message", telemetry.LabelReason.L("rate limited"))
			continue
		}
		if err := h.HandleMessage(id, p); err != nil {
			if errors.Is(err, broadcast.ErrObserverGone) {
				return err
			}
			logger.Error("failed to handle message", telemetry.LabelError.L(err))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, o *broadcast.Observer, readDone <-chan struct{}, opts Options) error {
	t := time.NewTicker(opts.pingPeriod())
	defer t.Stop()
	for {
		select {
		case frame := <-o.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}
		case <-o.Done():
			closeConn(conn, websocket.CloseTryAgainLater, "too slow", opts.WriteWait)
			return nil
		case <-ctx.Done():
			closeConn(conn, websocket.CloseGoingAway, "shutting down", opts.WriteWait)
			return nil
		case <-readDone:
			return nil
		}
	}
}

func closeConn(conn *websocket.Conn, code int, reason string, wait time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
}

// UpgradeHandler upgrades requests to websocket sessions served with h.
// Sessions end when baseCtx is done.
func UpgradeHandler(baseCtx context.Context, h Handler, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			opts.Logger.Error("failed to upgrade", telemetry.LabelError.L(err))
			return
		}
		Serve(baseCtx, conn, h, opts)
	}
}
