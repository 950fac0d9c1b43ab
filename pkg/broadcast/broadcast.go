// Package broadcast fans grid changes out to connected observers.
package broadcast

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/grid"
	"github.com/astromechza/pixelgrid/pkg/protocol"
	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

// Broadcaster encodes each message once and enqueues it to every observer
// in the registry. An observer whose queue is full is dropped: it is closed
// and unregistered and gets a fresh snapshot when it reconnects.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	msink    metrics.MetricSink
}

func New(registry *Registry, logger *slog.Logger, sink metrics.MetricSink) *Broadcaster {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Broadcaster{
		registry: registry,
		logger:   telemetry.LoggerOrDefault(logger),
		msink:    telemetry.SinkOrBlackhole(sink),
	}
}

func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// BroadcastCellChange sends a single-cell cellUpdate to every observer,
// including the one that made the change.
func (b *Broadcaster) BroadcastCellChange(cell grid.Cell, width int) (int, error) {
	frame, err := protocol.Encode(protocol.TypeCellUpdate, protocol.NewWireCell(cell, width))
	if err != nil {
		return 0, err
	}
	return b.broadcast(protocol.TypeCellUpdate, frame), nil
}

// BroadcastFullSnapshot re-sends initialData to every observer.
func (b *Broadcaster) BroadcastFullSnapshot(snap grid.Snapshot) (int, error) {
	frame, err := protocol.Encode(protocol.TypeInitialData, protocol.NewInitialData(snap))
	if err != nil {
		return 0, err
	}
	return b.broadcast(protocol.TypeInitialData, frame), nil
}

func (b *Broadcaster) SendSnapshotTo(o *Observer, snap grid.Snapshot) error {
	return b.SendTo(o, protocol.TypeInitialData, protocol.NewInitialData(snap))
}

// SendTo unicasts one message to o.
func (b *Broadcaster) SendTo(o *Observer, t protocol.MessageType, data any) error {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}
	if !o.Enqueue(frame) {
		b.drop(o, "queue full")
		return fmt.Errorf("%w: %s", ErrObserverGone, o.ID())
	}
	return nil
}

func (b *Broadcaster) broadcast(t protocol.MessageType, frame []byte) int {
	delivered := 0
	for _, o := range b.registry.List() {
		if o.Enqueue(frame) {
			delivered++
			continue
		}
		b.drop(o, "queue full")
	}
	labels := []metrics.Label{telemetry.LabelKind.M(string(t))}
	b.msink.IncrCounterWithLabels(telemetry.MetricBroadcasts, 1, labels)
	b.msink.IncrCounterWithLabels(telemetry.MetricBroadcastBytes, float32(len(frame)*delivered), labels)
	return delivered
}

func (b *Broadcaster) drop(o *Observer, reason string) {
	if _, ok := b.registry.Remove(o.ID()); !ok {
		return
	}
	o.Close()
	b.msink.IncrCounterWithLabels(telemetry.MetricObserversDropped, 1, []metrics.Label{telemetry.LabelReason.M(reason)})
	b.msink.SetGauge(telemetry.MetricObservers, float32(b.registry.Len()))
	b.logger.Warn("dropped slow observer", telemetry.LabelConnID.L(o.ID()), telemetry.LabelReason.L(reason))
}
