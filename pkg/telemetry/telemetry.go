package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCellWrites          = []string{"pixelgrid", "cell", "writes", "count"}
	MetricCooldownRejected    = []string{"pixelgrid", "cooldown", "rejected", "count"}
	MetricInvalidRequests     = []string{"pixelgrid", "request", "invalid", "count"}
	MetricBroadcasts          = []string{"pixelgrid", "broadcast", "count"}
	MetricBroadcastBytes      = []string{"pixelgrid", "broadcast", "bytes"}
	MetricObserversDropped    = []string{"pixelgrid", "observer", "dropped", "count"}
	MetricObservers           = []string{"pixelgrid", "observer", "connected"}
	MetricGrowths             = []string{"pixelgrid", "growth", "count"}
	MetricGrowthSkipped       = []string{"pixelgrid", "growth", "skipped", "count"}
	MetricGridCells           = []string{"pixelgrid", "grid", "cells"}
	MetricStoreErrors         = []string{"pixelgrid", "store", "error", "count"}
	MetricStoreFlushedCells   = []string{"pixelgrid", "store", "flushed", "cells"}
	MetricPersisterPending    = []string{"pixelgrid", "store", "pending", "cells"}
	MetricInboundDropped      = []string{"pixelgrid", "inbound", "dropped", "count"}
	MetricRandomizerWrites    = []string{"pixelgrid", "randomizer", "writes", "count"}
	MetricScheduledTaskErrors = []string{"pixelgrid", "task", "error", "count"}
)

// Label is used both as a metric label and a structured log attribute.
type Label string

var (
	LabelError    Label = "error"
	LabelOrigin   Label = "origin"
	LabelConnID   Label = "conn_id"
	LabelKind     Label = "kind"
	LabelReason   Label = "reason"
	LabelTask     Label = "task"
	LabelDuration Label = "duration"
	LabelCoord    Label = "coord"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// SinkOrBlackhole returns sink, or a sink discarding everything when nil.
func SinkOrBlackhole(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return &metrics.BlackholeSink{}
	}
	return sink
}

// LoggerOrDefault returns logger, or slog.Default() when nil.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
