package models

// ToolInfo is the tool surface advertised to the planning oracle.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Perception is the oracle's read of a query before planning: candidate
// tools (free-form, intersected with the registry by the caller) and a
// suggested strategy.
type Perception struct {
	CandidateTools []string `json:"candidate_tools"`
	Strategy       string   `json:"strategy"`
	Notes          string   `json:"notes,omitempty"`
}

// PlanRequest carries everything the oracle needs to produce one plan
// document.
type PlanRequest struct {
	Query     string     `json:"query"`
	History   []string   `json:"history,omitempty"`
	Tools     []ToolInfo `json:"tools,omitempty"`
	Strategy  string     `json:"strategy"`
	StepIndex int        `json:"step_index"`
	Attempt   int        `json:"attempt"`
	// Rejection reason of the previous attempt, empty on the first.
	Failure string `json:"failure,omitempty"`
}
