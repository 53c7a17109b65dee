package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

// Strategy selects how a plan's tool calls are interpreted.
const (
	StrategyConservative = "conservative"
	StrategyParallel     = "exploratory_parallel"
	StrategySequential   = "exploratory_sequential"
)

// Join modes for parallel fan-out.
const (
	JoinAll          = "all"
	JoinFirstSuccess = "first_success"
)

// Respond kinds classify what the step produces.
const (
	RespondFinalAnswer       = "final_answer"
	RespondFurtherProcessing = "further_processing"
)

// Host utilities every plan may call regardless of the advertised catalog.
const (
	UtilJSON  = "util.json"
	UtilRegex = "util.regex"
)

// PlanDocument is the canonical instruction document the planning oracle
// produces for one step. It is data interpreted by a fixed host routine,
// never executable text.
type PlanDocument struct {
	Version   string           `json:"version"`
	Strategy  string           `json:"strategy"`
	Join      string           `json:"join,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	Calls     []PlanCall       `json:"calls"`
	Respond   RespondDirective `json:"respond"`
	Metadata  *PlanMetadata    `json:"metadata,omitempty"`
}

// PlanCall names one tool invocation with its arguments.
type PlanCall struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// RespondDirective tells the executor how to shape the step result. The
// template's {{result}} placeholder is replaced by the joined tool output.
type RespondDirective struct {
	Kind     string `json:"kind"`
	Template string `json:"template,omitempty"`
}

// PlanMetadata carries loop bookkeeping attached by the runner.
type PlanMetadata struct {
	StepIndex int `json:"step_index,omitempty"`
	Attempt   int `json:"attempt,omitempty"`
}

// IsBuiltin reports whether the tool is a host utility permitted in every
// plan.
func IsBuiltin(tool string) bool {
	return tool == UtilJSON || tool == UtilRegex
}

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchema returns the compiled JSON Schema for plan documents.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidatePlanDocument validates the provided JSON bytes against the plan
// schema.
func ValidatePlanDocument(data []byte) error {
	schema, err := PlanSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}
