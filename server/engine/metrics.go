package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/kfcemployee/fileserver/server/engine"

type metrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	closed   metric.Int64Counter
}

var (
	reasonQueueFull = metric.WithAttributes(attribute.String("reason", "queue_full"))
	reasonTableFull = metric.WithAttributes(attribute.String("reason", "table_full"))
)

func newMetrics(t *Table) (*metrics, error) {
	meter := otel.Meter(scope)

	accepted, err := meter.Int64Counter("fileserver.connections.accepted",
		metric.WithDescription("Accepted client connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("fileserver.connections.rejected",
		metric.WithDescription("Connections dropped because the task queue or session table was full"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	closed, err := meter.Int64Counter("fileserver.connections.closed",
		metric.WithDescription("Connections closed by the engine"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge("fileserver.connections.open",
		metric.WithDescription("Currently open client connections"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(t.Count())
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return &metrics{accepted: accepted, rejected: rejected, closed: closed}, nil
}
