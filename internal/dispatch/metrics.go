package dispatch

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	dispatchMetricsOnce sync.Once
	dispatchCounter     otelmetric.Int64Counter
)

func initDispatchMetrics() {
	meter := otel.Meter("stepwise/dispatch")
	var err error
	dispatchCounter, err = meter.Int64Counter(
		"dispatch_calls_total",
		otelmetric.WithDescription("Tool dispatch attempts by outcome"),
	)
	if err != nil {
		log.Printf("dispatch metrics init: dispatch_calls_total: %v", err)
	}
}

func countDispatch(ctx context.Context, tool, outcome string) {
	dispatchMetricsOnce.Do(initDispatchMetrics)
	if dispatchCounter == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dispatchCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}
