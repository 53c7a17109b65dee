package planner

import (
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/stepwise/internal/policy"
)

// Parse validates raw plan bytes end to end and returns the decoded
// document: safety scan over the serialized form, schema validation, then
// the strategy-aware semantic checks. Host utilities pass the registry
// check unconditionally.
func Parse(raw []byte, rules policy.Rules, available []string) (*PlanDocument, error) {
	if v := rules.ValidatePlanText(string(raw)); v != nil {
		return nil, v
	}
	if err := ValidatePlanDocument(raw); err != nil {
		return nil, err
	}
	var doc PlanDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := doc.Check(rules, available); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Check applies the semantic rules the schema cannot express: per-strategy
// call counts, registry membership and argument depth.
func (d *PlanDocument) Check(rules policy.Rules, available []string) error {
	maxCalls := rules.Config().Plan.MaxToolCalls

	switch d.Strategy {
	case StrategyConservative:
		if len(d.Calls) > 1 {
			return &policy.Violation{
				Rule:     policy.RulePlan,
				Message:  fmt.Sprintf("conservative strategy permits at most one call, got %d", len(d.Calls)),
				Severity: policy.SeverityError,
			}
		}
	case StrategyParallel, StrategySequential:
		if len(d.Calls) == 0 {
			return &policy.Violation{
				Rule:     policy.RulePlan,
				Message:  fmt.Sprintf("%s strategy requires at least one call", d.Strategy),
				Severity: policy.SeverityError,
			}
		}
	default:
		return &policy.Violation{
			Rule:     policy.RulePlan,
			Message:  fmt.Sprintf("unknown strategy %q", d.Strategy),
			Severity: policy.SeverityError,
		}
	}
	if len(d.Calls) > maxCalls {
		return &policy.Violation{
			Rule:     policy.RulePlan,
			Message:  fmt.Sprintf("plan requests %d calls (max %d)", len(d.Calls), maxCalls),
			Severity: policy.SeverityError,
		}
	}
	if d.Strategy == StrategyParallel && d.Join == "" {
		d.Join = JoinAll
	}

	for i, call := range d.Calls {
		if IsBuiltin(call.Tool) {
			continue
		}
		if v := rules.ValidateRegistry(call.Tool, available); v != nil {
			return fmt.Errorf("call %d: %w", i, v)
		}
		if len(call.Args) > 0 {
			var parsed interface{}
			data, err := json.Marshal(call.Args)
			if err != nil {
				return fmt.Errorf("call %d: marshal args: %w", i, err)
			}
			if err := json.Unmarshal(data, &parsed); err != nil {
				return fmt.Errorf("call %d: decode args: %w", i, err)
			}
			if v := rules.ValidateDepth(parsed); v != nil {
				return fmt.Errorf("call %d: %w", i, v)
			}
		}
	}
	return nil
}
