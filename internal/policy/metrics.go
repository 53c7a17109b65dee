package policy

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	policyMetricsOnce sync.Once
	violationCounter  otelmetric.Int64Counter
)

func initPolicyMetrics() {
	meter := otel.Meter("stepwise/policy")
	var err error
	violationCounter, err = meter.Int64Counter(
		"policy_violations_total",
		otelmetric.WithDescription("Validation rule violations recorded by session guards"),
	)
	if err != nil {
		log.Printf("policy metrics init: policy_violations_total: %v", err)
	}
}

func countViolation(ctx context.Context, v Violation) {
	policyMetricsOnce.Do(initPolicyMetrics)
	if violationCounter == nil {
		return
	}
	violationCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("rule", v.Rule),
		attribute.String("severity", string(v.Severity)),
	))
}
