package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
	"github.com/mohammad-safakhou/stepwise/internal/planner"
	"github.com/mohammad-safakhou/stepwise/internal/policy"
)

// Outcome kinds. Every execution classifies into exactly one.
const (
	OutcomeFinalAnswer       = "final_answer"
	OutcomeFurtherProcessing = "further_processing"
	OutcomeFailed            = "failed"
)

// Failure kinds attached to failed outcomes and call records.
const (
	FailValidation = "validation_rejected"
	FailRuntime    = "runtime_fault"
	FailTimeout    = "timeout_fault"
	FailDispatch   = "dispatch_fault"
)

// ToolCallRecord traces one tool invocation attempt. The full trace is
// returned regardless of outcome.
type ToolCallRecord struct {
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fault     string                 `json:"fault,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}

// Succeeded reports whether the call completed without a fault.
func (r ToolCallRecord) Succeeded() bool { return r.Fault == "" }

// Outcome is the classified result of interpreting one plan.
type Outcome struct {
	Kind    string           `json:"kind"`
	Failure string           `json:"failure,omitempty"`
	Payload string           `json:"payload,omitempty"`
	Calls   []ToolCallRecord `json:"calls,omitempty"`
}

// ToolCaller is the capability surface a plan execution sees: calling a
// registered tool by name, nothing else.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)
	ToolNames() []string
}

// Executor interprets validated plan documents. It is stateless across
// executions; per-session state lives in the guard passed to Execute.
type Executor struct {
	tools  ToolCaller
	logger *log.Logger
}

// New builds an Executor over the given tool surface.
func New(tools ToolCaller, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXEC] ", log.LstdFlags)
	}
	return &Executor{tools: tools, logger: logger}
}

// Execute interprets the plan under the session guard: every call passes
// the per-call gate, runs under the per-call timeout, and is traced. The
// strategy controls sequencing; the respond directive shapes the payload.
func (e *Executor) Execute(ctx context.Context, guard *policy.Guard, plan *planner.PlanDocument) Outcome {
	maxCalls := guard.Rules().Config().Plan.MaxToolCalls
	if len(plan.Calls) > maxCalls {
		return Outcome{
			Kind:    OutcomeFailed,
			Failure: FailValidation,
			Payload: fmt.Sprintf("plan requests %d calls, limit is %d", len(plan.Calls), maxCalls),
		}
	}

	var records []ToolCallRecord
	var joined []string

	switch plan.Strategy {
	case planner.StrategyParallel:
		var order []int
		records, order = e.runParallel(ctx, guard, plan.Calls)
		if plan.Join == planner.JoinFirstSuccess {
			// first_success keeps the earliest call to complete
			// successfully, not the first in declaration order. The full
			// fan-out still runs to completion so every attempt is traced.
			for _, i := range order {
				if records[i].Succeeded() {
					joined = append(joined, renderResult(records[i].Result))
					break
				}
			}
		} else {
			for _, rec := range records {
				if rec.Succeeded() {
					joined = append(joined, renderResult(rec.Result))
				}
			}
		}
	case planner.StrategySequential:
		for _, call := range plan.Calls {
			rec := e.runCall(ctx, guard, call)
			records = append(records, rec)
			if rec.Succeeded() && !isEmptyResult(rec.Result) {
				joined = append(joined, renderResult(rec.Result))
				break
			}
			// Failed or insufficient result, fall through to the next
			// candidate in the chain.
		}
	default:
		for _, call := range plan.Calls {
			rec := e.runCall(ctx, guard, call)
			records = append(records, rec)
			if rec.Succeeded() {
				joined = append(joined, renderResult(rec.Result))
			}
		}
	}

	if len(plan.Calls) > 0 && len(joined) == 0 {
		failure := FailRuntime
		for _, rec := range records {
			if rec.Fault != "" {
				failure = rec.Fault
				break
			}
		}
		message := "all tool calls failed"
		if plan.Strategy == planner.StrategySequential {
			message = "fallback chain exhausted without a usable result"
		}
		return Outcome{Kind: OutcomeFailed, Failure: failure, Payload: message, Calls: records}
	}

	payload := plan.Respond.Template
	result := strings.Join(joined, "\n\n")
	if payload == "" {
		payload = result
	} else {
		payload = strings.ReplaceAll(payload, "{{result}}", result)
	}

	kind := OutcomeFurtherProcessing
	if plan.Respond.Kind == planner.RespondFinalAnswer {
		kind = OutcomeFinalAnswer
	}
	return Outcome{Kind: kind, Payload: payload, Calls: records}
}

// runParallel fans the calls out on independent goroutines. Partial
// failures never abort calls in flight; every record is collected. The
// second return value lists call indices in completion order.
func (e *Executor) runParallel(ctx context.Context, guard *policy.Guard, calls []planner.PlanCall) ([]ToolCallRecord, []int) {
	records := make([]ToolCallRecord, len(calls))
	order := make([]int, 0, len(calls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call planner.PlanCall) {
			defer wg.Done()
			rec := e.runCall(ctx, guard, call)
			mu.Lock()
			records[i] = rec
			order = append(order, i)
			mu.Unlock()
		}(i, call)
	}
	wg.Wait()
	return records, order
}

// runCall gates, dispatches and traces a single call.
func (e *Executor) runCall(ctx context.Context, guard *policy.Guard, call planner.PlanCall) ToolCallRecord {
	rec := ToolCallRecord{Tool: call.Tool, Args: call.Args, StartedAt: time.Now()}
	defer func() { rec.Duration = time.Since(rec.StartedAt) }()

	if planner.IsBuiltin(call.Tool) {
		result, err := e.runBuiltin(guard, call)
		if err != nil {
			rec.Error = err.Error()
			rec.Fault = FailRuntime
			return rec
		}
		rec.Result = result
		return rec
	}

	if violations := guard.ValidateToolCall(call.Tool, call.Args, e.tools.ToolNames()); len(violations) > 0 {
		messages := make([]string, 0, len(violations))
		for _, v := range violations {
			messages = append(messages, v.Error())
		}
		rec.Error = strings.Join(messages, "; ")
		rec.Fault = FailValidation
		e.logger.Printf("tool call %s rejected: %s", call.Tool, rec.Error)
		return rec
	}

	raw, err := guard.RunWithTimeout(ctx, 0, func(callCtx context.Context) (interface{}, error) {
		return e.tools.CallTool(callCtx, call.Tool, call.Args)
	})
	if err != nil {
		rec.Error = err.Error()
		rec.Fault = classifyCallError(err)
		return rec
	}
	if result, ok := raw.(map[string]interface{}); ok {
		rec.Result = result
	}
	return rec
}

func classifyCallError(err error) string {
	var timeout *policy.TimeoutFault
	if errors.As(err, &timeout) {
		return FailTimeout
	}
	var fault *dispatch.Fault
	if errors.As(err, &fault) {
		return FailDispatch
	}
	return FailRuntime
}

// runBuiltin executes the host utilities available to every plan.
func (e *Executor) runBuiltin(guard *policy.Guard, call planner.PlanCall) (map[string]interface{}, error) {
	switch call.Tool {
	case planner.UtilJSON:
		text, _ := call.Args["text"].(string)
		parsed, v := guard.Rules().ValidateJSONInput(text)
		if v != nil {
			return nil, v
		}
		return map[string]interface{}{"parsed": parsed, "valid": true}, nil
	case planner.UtilRegex:
		pattern, _ := call.Args["pattern"].(string)
		text, _ := call.Args["text"].(string)
		matches, err := matchPattern(pattern, text)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"matches": matches, "matched": len(matches) > 0}, nil
	default:
		return nil, fmt.Errorf("unknown builtin %q", call.Tool)
	}
}

// renderResult flattens a tool result for template substitution. A result
// carrying a top-level "result" key is unwrapped, everything else is
// serialized.
func renderResult(result map[string]interface{}) string {
	if result == nil {
		return ""
	}
	if v, ok := result["result"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		data, _ := json.Marshal(v)
		return string(data)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// isEmptyResult reports whether a successful call produced nothing usable,
// which sends a sequential chain on to its next candidate.
func isEmptyResult(result map[string]interface{}) bool {
	if len(result) == 0 {
		return true
	}
	for _, v := range result {
		switch t := v.(type) {
		case nil:
		case string:
			if strings.TrimSpace(t) != "" {
				return false
			}
		case []interface{}:
			if len(t) > 0 {
				return false
			}
		case map[string]interface{}:
			if len(t) > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
