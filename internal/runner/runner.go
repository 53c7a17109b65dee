package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
	"github.com/mohammad-safakhou/stepwise/internal/executor"
	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/planner"
	"github.com/mohammad-safakhou/stepwise/internal/policy"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/models"
	"github.com/mohammad-safakhou/stepwise/provider"
)

var runnerTracer trace.Tracer = otel.Tracer("stepwise/internal/runner")

// Registry is the tool surface the runner plans and executes against.
type Registry interface {
	executor.ToolCaller
	Catalog() []dispatch.ToolDesc
}

// Persister receives every terminal session with its full step trace,
// for durable storage beyond the in-process memory store.
type Persister interface {
	Persist(ctx context.Context, sess *Session, records []memory.StepRecord) error
}

// Runner drives the bounded step loop: perceive, plan, validate, execute,
// record. One guard per session carries all per-session policy state.
type Runner struct {
	cfg       config.RunnerConfig
	rules     policy.Rules
	oracle    provider.Oracle
	registry  Registry
	exec      *executor.Executor
	store     memory.Store
	persister Persister
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	guards   map[string]*policy.Guard
}

// New builds a Runner from configuration and its collaborators.
func New(cfg *config.Config, oracle provider.Oracle, registry Registry, store memory.Store, tel *telemetry.Telemetry, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)
	}
	return &Runner{
		cfg:       cfg.Runner.Normalize(),
		rules:     policy.NewRules(cfg.Heuristics),
		oracle:    oracle,
		registry:  registry,
		exec:      executor.New(registry, nil),
		store:     store,
		telemetry: tel,
		logger:    logger,
		sessions:  make(map[string]*Session),
		guards:    make(map[string]*policy.Guard),
	}
}

// SetPersister wires durable session storage. Optional.
func (r *Runner) SetPersister(p Persister) { r.persister = p }

// Lookup returns a session by ID. Callers get a copy taken under the
// runner's lock: the loop may still be writing the canonical session from
// its own goroutine.
func (r *Runner) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	snapshot := *sess
	return &snapshot, true
}

// GuardReport returns the policy report of a session's guard.
func (r *Runner) GuardReport(id string) (policy.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	guard, ok := r.guards[id]
	if !ok {
		return policy.Report{}, false
	}
	return guard.Snapshot(), true
}

// Run executes the step loop for one query until a terminal status. The
// returned session is always terminal; errors are reported through its
// status and failure fields, not as a Go error, except on context
// cancellation.
func (r *Runner) Run(ctx context.Context, query string) (*Session, error) {
	sess, guard := r.newSession(query)
	err := r.loop(ctx, sess, guard)
	return sess, err
}

// Start launches the step loop in the background and returns a snapshot of
// the pending session. Progress is observable through Lookup.
func (r *Runner) Start(query string) *Session {
	sess, guard := r.newSession(query)
	snapshot := *sess
	go func() {
		if err := r.loop(context.Background(), sess, guard); err != nil {
			r.logger.Printf("session %s aborted: %v", sess.ID, err)
		}
	}()
	return &snapshot
}

func (r *Runner) newSession(query string) (*Session, *policy.Guard) {
	start := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		Query:     query,
		Status:    StatusPending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	if r.cfg.Strategy != "" {
		sess.Strategy = normalizeStrategy(r.cfg.Strategy)
	}
	guard := policy.NewGuard(r.rules)

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.guards[sess.ID] = guard
	r.mu.Unlock()

	return sess, guard
}

func (r *Runner) loop(ctx context.Context, sess *Session, guard *policy.Guard) error {
	start := sess.CreatedAt
	query := sess.Query

	ctx, span := runnerTracer.Start(ctx, "runner.run",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	runEvent := telemetry.RunEvent{
		SessionID: sess.ID,
		Query:     query,
		StartTime: start,
	}
	defer func() {
		runEvent.EndTime = time.Now()
		runEvent.Duration = runEvent.EndTime.Sub(runEvent.StartTime)
		runEvent.Steps = sess.Steps
		r.telemetry.RecordRunEvent(ctx, runEvent)
	}()

	r.logger.Printf("session %s started", sess.ID)
	r.mu.Lock()
	sess.Status = StatusRunning
	sess.UpdatedAt = time.Now()
	r.mu.Unlock()

	working := query
	for step := 0; step < r.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			runEvent.Error = err.Error()
			r.finish(ctx, sess, guard, StatusFatal, "", err.Error())
			return err
		}

		// Input gate, applied to the effective query of every step, not
		// just the original: continuation and recovery contexts embed tool
		// output that must pass the same checks. A blocking violation
		// terminates the session before the oracle sees the text.
		if v := r.gateInput(guard, working); v != nil {
			r.logger.Printf("session %s step %d input blocked: %v", sess.ID, step, v)
			span.SetStatus(codes.Error, v.Error())
			runEvent.Error = v.Error()
			r.finish(ctx, sess, guard, StatusFatal, "", v.Error())
			return nil
		}

		record, outcome := r.runStep(ctx, sess, guard, working, step)
		if err := r.store.Append(ctx, record); err != nil {
			r.logger.Printf("session %s step %d: append failed: %v", sess.ID, step, err)
		}
		r.mu.Lock()
		sess.Steps = step + 1
		sess.UpdatedAt = time.Now()
		r.mu.Unlock()

		switch outcome.Kind {
		case executor.OutcomeFinalAnswer:
			span.SetAttributes(attribute.Int("session.steps", sess.Steps))
			runEvent.Success = true
			r.finish(ctx, sess, guard, StatusDone, outcome.Payload, "")
			r.logger.Printf("session %s done after %d step(s)", sess.ID, sess.Steps)
			return nil
		case executor.OutcomeFurtherProcessing:
			working = continuationContext(query, outcome.Payload)
		default:
			// Lifelines exhausted. The step is recorded as failed and the
			// loop advances with the failure folded into the working query.
			working = recoveryContext(query, record.Failure, record.Payload)
		}
	}

	span.SetStatus(codes.Error, "step limit reached")
	runEvent.Error = "step limit reached"
	r.finish(ctx, sess, guard, StatusMaxSteps, "no answer found within the step limit", "step limit reached")
	r.logger.Printf("session %s exceeded the step limit (%d)", sess.ID, r.cfg.MaxSteps)
	return nil
}

// runStep executes one step index, retrying up to the lifeline budget. All
// attempt traces end up in the single returned record.
func (r *Runner) runStep(ctx context.Context, sess *Session, guard *policy.Guard, working string, step int) (memory.StepRecord, executor.Outcome) {
	ctx, span := runnerTracer.Start(ctx, "runner.step",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Int("step.index", step),
		))
	defer span.End()
	stepStart := time.Now()

	history := r.history(ctx, sess.ID)
	catalog := r.registry.Catalog()

	perception, err := r.oracle.Perceive(ctx, working, history, toolInfos(catalog))
	if err != nil {
		r.logger.Printf("session %s step %d: perceive failed, defaulting to conservative: %v", sess.ID, step, err)
		perception = models.Perception{Strategy: planner.StrategyConservative}
	}
	strategy := r.sessionStrategy(sess, perception.Strategy)
	// An empty intersection is fine: the step proceeds with zero eligible
	// tools and the plan has to reason without calls.
	available := intersect(perception.CandidateTools, r.registry.ToolNames())
	span.SetAttributes(attribute.String("step.strategy", strategy))

	record := memory.StepRecord{
		SessionID: sess.ID,
		StepIndex: step,
		Query:     working,
		Strategy:  strategy,
		CreatedAt: stepStart,
	}

	var outcome executor.Outcome
	failure := ""
	for attempt := 0; attempt <= r.cfg.Lifelines; attempt++ {
		record.Attempts = attempt + 1

		plan, err := r.plan(ctx, working, history, available, strategy, step, attempt, failure)
		if err != nil {
			outcome = executor.Outcome{Kind: executor.OutcomeFailed, Failure: executor.FailValidation, Payload: err.Error()}
		} else {
			outcome = r.exec.Execute(ctx, guard, plan)
		}
		record.Calls = append(record.Calls, outcome.Calls...)

		if outcome.Kind != executor.OutcomeFailed {
			break
		}
		failure = fmt.Sprintf("%s: %s", outcome.Failure, outcome.Payload)
		r.logger.Printf("session %s step %d attempt %d failed: %s", sess.ID, step, attempt+1, failure)
	}

	record.Outcome = outcome.Kind
	record.Payload = outcome.Payload
	if outcome.Kind == executor.OutcomeFailed {
		record.Failure = outcome.Failure
		span.SetStatus(codes.Error, failure)
	}

	tools := make([]string, 0, len(record.Calls))
	for _, call := range record.Calls {
		tools = append(tools, call.Tool)
	}
	r.telemetry.RecordStepEvent(ctx, telemetry.StepEvent{
		SessionID: sess.ID,
		StepIndex: step,
		Outcome:   record.Outcome,
		Duration:  time.Since(stepStart),
		Attempts:  record.Attempts,
		ToolsUsed: tools,
	})

	return record, outcome
}

// plan asks the oracle for a plan and validates it, feeding rejection
// reasons back into bounded regeneration attempts.
func (r *Runner) plan(ctx context.Context, query string, history, available []string, strategy string, step, attempt int, failure string) (*planner.PlanDocument, error) {
	req := models.PlanRequest{
		Query:     query,
		History:   history,
		Tools:     r.infosFor(available),
		Strategy:  strategy,
		StepIndex: step,
		Attempt:   attempt,
		Failure:   failure,
	}

	var lastErr error
	for try := 0; try <= r.cfg.PlanRetries; try++ {
		raw, err := r.oracle.Plan(ctx, req)
		if err != nil {
			lastErr = err
			req.Failure = err.Error()
			continue
		}
		doc, err := planner.Parse(raw, r.rules, available)
		if err != nil {
			lastErr = err
			req.Failure = err.Error()
			continue
		}
		return doc, nil
	}
	return nil, fmt.Errorf("no valid plan after %d attempt(s): %w", r.cfg.PlanRetries+1, lastErr)
}

// history summarizes prior steps for the oracle, most recent last.
func (r *Runner) history(ctx context.Context, sessionID string) []string {
	records, err := r.store.Read(ctx, sessionID)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(records))
	for _, rec := range records {
		line := fmt.Sprintf("step %d [%s]", rec.StepIndex, rec.Outcome)
		if rec.Failure != "" {
			line += " " + rec.Failure
		}
		if rec.Payload != "" {
			line += ": " + truncate(rec.Payload, 500)
		}
		out = append(out, line)
	}
	return out
}

func (r *Runner) infosFor(names []string) []models.ToolInfo {
	catalog := r.registry.Catalog()
	byName := make(map[string]dispatch.ToolDesc, len(catalog))
	for _, desc := range catalog {
		byName[desc.Name] = desc
	}
	out := make([]models.ToolInfo, 0, len(names))
	for _, name := range names {
		desc, ok := byName[name]
		if !ok {
			continue
		}
		out = append(out, models.ToolInfo{Name: desc.Name, Description: desc.Description, InputSchema: desc.InputSchema})
	}
	return out
}

// gateInput records every violation of the effective query on the guard
// and returns the first blocking one, if any.
func (r *Runner) gateInput(guard *policy.Guard, text string) *policy.Violation {
	for _, v := range r.rules.ValidateInput(text) {
		guard.Record(v)
		if v.Severity == policy.SeverityBlock {
			blocked := v
			return &blocked
		}
	}
	return nil
}

// sessionStrategy fixes the strategy mode on first use. Later perceptions
// cannot change it: the mode holds for the whole session.
func (r *Runner) sessionStrategy(sess *Session, perceived string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.Strategy == "" {
		sess.Strategy = normalizeStrategy(perceived)
	}
	return sess.Strategy
}

func (r *Runner) finish(ctx context.Context, sess *Session, guard *policy.Guard, status, answer, failure string) {
	report := guard.Snapshot()
	r.mu.Lock()
	sess.Status = status
	sess.Answer = answer
	sess.Failure = failure
	sess.UpdatedAt = time.Now()
	sess.Report = report
	r.mu.Unlock()

	if r.persister == nil {
		return
	}
	records, err := r.store.Read(ctx, sess.ID)
	if err != nil && !errors.Is(err, memory.ErrSessionNotFound) {
		r.logger.Printf("session %s: reading records for persistence failed: %v", sess.ID, err)
	}
	if err := r.persister.Persist(ctx, sess, records); err != nil {
		r.logger.Printf("session %s: persistence failed: %v", sess.ID, err)
	}
}

func toolInfos(catalog []dispatch.ToolDesc) []models.ToolInfo {
	out := make([]models.ToolInfo, 0, len(catalog))
	for _, desc := range catalog {
		out = append(out, models.ToolInfo{Name: desc.Name, Description: desc.Description, InputSchema: desc.InputSchema})
	}
	return out
}

func normalizeStrategy(s string) string {
	switch s {
	case planner.StrategyConservative, planner.StrategyParallel, planner.StrategySequential:
		return s
	}
	return planner.StrategyConservative
}

func intersect(candidates, registered []string) []string {
	known := make(map[string]bool, len(registered))
	for _, name := range registered {
		known[name] = true
	}
	out := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if known[name] {
			out = append(out, name)
		}
	}
	return out
}

// continuationContext rebuilds the working query after a further_processing
// step: the original task stays authoritative, the latest output is context.
func continuationContext(original, lastResult string) string {
	return fmt.Sprintf(
		"Original task: %s\n\nLatest tool output:\n%s\n\nContinue working toward the original task using the output above. Respond with final_answer once the task is fully resolved.",
		original, truncate(lastResult, 4000))
}

// recoveryContext rebuilds the working query after a step burned through
// its lifelines, so the next step tries a different approach.
func recoveryContext(original, failure, detail string) string {
	return fmt.Sprintf(
		"Original task: %s\n\nThe previous step failed (%s): %s\n\nTry a different approach to the original task.",
		original, failure, truncate(detail, 1000))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
