package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
)

// Telemetry provides monitoring and oracle cost tracking
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	CompletedRuns  int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Step metrics
	StepOutcomes     map[string]int64
	StepAverageTimes map[string]time.Duration

	// Tool metrics
	ToolCalls map[string]int64

	// Oracle metrics
	OracleRequests map[string]int64
	OracleTokens   map[string]int64
}

// CostTracker tracks oracle costs per model and operation
type CostTracker struct {
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// RunEvent represents a complete session run. Oracle cost and token usage
// are tracked per oracle request, not per run.
type RunEvent struct {
	SessionID string
	Query     string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Steps     int
	Success   bool
	Error     string
}

// StepEvent represents one executed step
type StepEvent struct {
	SessionID string
	StepIndex int
	Outcome   string
	Duration  time.Duration
	Attempts  int
	ToolsUsed []string
}

// OracleEvent represents one oracle request
type OracleEvent struct {
	Model      string
	Operation  string
	Duration   time.Duration
	Success    bool
	Cost       float64
	TokensUsed int64
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StepOutcomes:     make(map[string]int64),
			StepAverageTimes: make(map[string]time.Duration),
			ToolCalls:        make(map[string]int64),
			OracleRequests:   make(map[string]int64),
			OracleTokens:     make(map[string]int64),
		},
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}
}

// RecordRunEvent records a complete session run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.CompletedRuns++
	} else {
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.logger.Printf("Run Event: Session=%s, Success=%t, Steps=%d, Duration=%v",
		event.SessionID, event.Success, event.Steps, event.Duration)
}

// RecordStepEvent records one executed step
func (t *Telemetry) RecordStepEvent(ctx context.Context, event StepEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StepOutcomes[event.Outcome]++

	count := t.metrics.StepOutcomes[event.Outcome]
	currentAvg := t.metrics.StepAverageTimes[event.Outcome]
	if count == 1 {
		t.metrics.StepAverageTimes[event.Outcome] = event.Duration
	} else {
		total := currentAvg * time.Duration(count-1)
		t.metrics.StepAverageTimes[event.Outcome] = (total + event.Duration) / time.Duration(count)
	}

	for _, tool := range event.ToolsUsed {
		t.metrics.ToolCalls[tool]++
	}

	t.logger.Printf("Step Event: Session=%s, Step=%d, Outcome=%s, Attempts=%d, Duration=%v",
		event.SessionID, event.StepIndex, event.Outcome, event.Attempts, event.Duration)
}

// RecordOracleEvent records one oracle request
func (t *Telemetry) RecordOracleEvent(ctx context.Context, event OracleEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.OracleRequests[event.Model]++
	t.metrics.OracleTokens[event.Model] += event.TokensUsed

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
		t.costTracker.ModelCosts[event.Model] += event.Cost
		t.costTracker.OperationCosts[event.Operation] += event.Cost
	}

	t.logger.Printf("Oracle Event: Model=%s, Operation=%s, Success=%t, Duration=%v, Tokens=%d",
		event.Model, event.Operation, event.Success, event.Duration, event.TokensUsed)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StepOutcomes = make(map[string]int64)
	metrics.StepAverageTimes = make(map[string]time.Duration)
	metrics.ToolCalls = make(map[string]int64)
	metrics.OracleRequests = make(map[string]int64)
	metrics.OracleTokens = make(map[string]int64)

	for k, v := range t.metrics.StepOutcomes {
		metrics.StepOutcomes[k] = v
	}
	for k, v := range t.metrics.StepAverageTimes {
		metrics.StepAverageTimes[k] = v
	}
	for k, v := range t.metrics.ToolCalls {
		metrics.ToolCalls[k] = v
	}
	for k, v := range t.metrics.OracleRequests {
		metrics.OracleRequests[k] = v
	}
	for k, v := range t.metrics.OracleTokens {
		metrics.OracleTokens[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     make(map[string]float64),
		OperationCosts: make(map[string]float64),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}
	return summary
}

// CostSummary provides a summary of oracle costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// Shutdown logs a final performance report
func (t *Telemetry) Shutdown() {
	t.logger.Printf("%s", t.GetPerformanceReport())
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Runs:
  Total: %d
  Completed: %d
  Failed: %d
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Step Outcomes:
`, metrics.TotalRuns, metrics.CompletedRuns, metrics.FailedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for outcome, count := range metrics.StepOutcomes {
		report += fmt.Sprintf("  %s: %d steps, %v avg time\n",
			outcome, count, metrics.StepAverageTimes[outcome])
	}

	report += "\nTool Usage:\n"
	for tool, calls := range metrics.ToolCalls {
		report += fmt.Sprintf("  %s: %d calls\n", tool, calls)
	}

	report += "\nOracle Usage:\n"
	for model, requests := range metrics.OracleRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, metrics.OracleTokens[model], costs.ModelCosts[model])
	}

	return report
}
