// Package metrics records room and connection activity through the
// OpenTelemetry metric API. A nil *Recorder records nothing.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/manpreetbhatti/deckroom"

type Recorder struct {
	applied     metric.Int64Counter
	rejected    metric.Int64Counter
	connections metric.Int64UpDownCounter
	rooms       metric.Int64UpDownCounter
}

// New builds a recorder on the given meter. Instrument creation errors fall
// back to no-op instruments inside the otel API, so they are ignored here.
func New(meter metric.Meter) *Recorder {
	applied, _ := meter.Int64Counter("deckroom.operations.applied",
		metric.WithDescription("Operations committed by rooms"))
	rejected, _ := meter.Int64Counter("deckroom.operations.rejected",
		metric.WithDescription("Operations rejected by rooms"))
	connections, _ := meter.Int64UpDownCounter("deckroom.connections.active",
		metric.WithDescription("Open participant connections"))
	rooms, _ := meter.Int64UpDownCounter("deckroom.rooms.active",
		metric.WithDescription("Live rooms"))

	return &Recorder{
		applied:     applied,
		rejected:    rejected,
		connections: connections,
		rooms:       rooms,
	}
}

func (r *Recorder) Applied(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *Recorder) Rejected(ctx context.Context, kind, errorKind string) {
	if r == nil {
		return
	}
	r.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("error_kind", errorKind),
	))
}

func (r *Recorder) ConnectionOpened(ctx context.Context) {
	if r == nil {
		return
	}
	r.connections.Add(ctx, 1)
}

func (r *Recorder) ConnectionClosed(ctx context.Context) {
	if r == nil {
		return
	}
	r.connections.Add(ctx, -1)
}

func (r *Recorder) RoomOpened(ctx context.Context) {
	if r == nil {
		return
	}
	r.rooms.Add(ctx, 1)
}

func (r *Recorder) RoomClosed(ctx context.Context) {
	if r == nil {
		return
	}
	r.rooms.Add(ctx, -1)
}
