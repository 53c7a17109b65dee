package planner

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/policy"
)

func testRules() policy.Rules {
	return policy.NewRules(config.HeuristicsConfig{})
}

var testCatalog = []string{"web.search", "web.fetch", "corpus.search"}

func TestPlanSchemaCompiles(t *testing.T) {
	t.Parallel()

	if _, err := PlanSchema(); err != nil {
		t.Fatalf("schema failed to compile: %v", err)
	}
}

func TestValidatePlanDocument(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			"conservative single call",
			`{"version":"1","strategy":"conservative","calls":[{"tool":"web.search","args":{"query":"go releases"}}],"respond":{"kind":"further_processing","template":"{{result}}"}}`,
			false,
		},
		{
			"pure reasoning zero calls",
			`{"version":"1","strategy":"conservative","calls":[],"respond":{"kind":"final_answer","template":"the answer is 42"}}`,
			false,
		},
		{
			"parallel with join",
			`{"version":"1","strategy":"exploratory_parallel","join":"first_success","calls":[{"tool":"web.search"},{"tool":"corpus.search"}],"respond":{"kind":"further_processing"}}`,
			false,
		},
		{
			"missing respond",
			`{"version":"1","strategy":"conservative","calls":[]}`,
			true,
		},
		{
			"unknown strategy",
			`{"version":"1","strategy":"freeform","calls":[],"respond":{"kind":"final_answer"}}`,
			true,
		},
		{
			"bad respond kind",
			`{"version":"1","strategy":"conservative","calls":[],"respond":{"kind":"shell"}}`,
			true,
		},
		{
			"extra top-level field",
			`{"version":"1","strategy":"conservative","calls":[],"respond":{"kind":"final_answer"},"script":"import os"}`,
			true,
		},
		{
			"call without tool",
			`{"version":"1","strategy":"conservative","calls":[{"args":{}}],"respond":{"kind":"final_answer"}}`,
			true,
		},
		{
			"not json",
			`solve() { return 42 }`,
			true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePlanDocument([]byte(tc.doc))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidatePlanDocument = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestParseStrategyRules(t *testing.T) {
	t.Parallel()

	rules := testRules()

	doc, err := Parse([]byte(`{"version":"1","strategy":"conservative","calls":[{"tool":"web.search","args":{"query":"go"}}],"respond":{"kind":"further_processing"}}`), rules, testCatalog)
	if err != nil {
		t.Fatalf("valid conservative plan rejected: %v", err)
	}
	if doc.Strategy != StrategyConservative || len(doc.Calls) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	_, err = Parse([]byte(`{"version":"1","strategy":"conservative","calls":[{"tool":"web.search"},{"tool":"web.fetch"}],"respond":{"kind":"further_processing"}}`), rules, testCatalog)
	if err == nil {
		t.Fatal("conservative plan with two calls accepted")
	}

	_, err = Parse([]byte(`{"version":"1","strategy":"exploratory_sequential","calls":[],"respond":{"kind":"further_processing"}}`), rules, testCatalog)
	if err == nil {
		t.Fatal("sequential plan with zero calls accepted")
	}

	doc, err = Parse([]byte(`{"version":"1","strategy":"exploratory_parallel","calls":[{"tool":"web.search"},{"tool":"corpus.search"}],"respond":{"kind":"further_processing"}}`), rules, testCatalog)
	if err != nil {
		t.Fatalf("valid parallel plan rejected: %v", err)
	}
	if doc.Join != JoinAll {
		t.Fatalf("join default = %q, want %q", doc.Join, JoinAll)
	}
}

func TestParseCallCountLimit(t *testing.T) {
	t.Parallel()

	rules := testRules()
	calls := make([]string, 6)
	for i := range calls {
		calls[i] = `{"tool":"web.search"}`
	}
	doc := `{"version":"1","strategy":"exploratory_parallel","calls":[` + strings.Join(calls, ",") + `],"respond":{"kind":"further_processing"}}`
	_, err := Parse([]byte(doc), rules, testCatalog)
	if err == nil {
		t.Fatal("plan exceeding max tool calls accepted")
	}
}

func TestParseRegistry(t *testing.T) {
	t.Parallel()

	rules := testRules()
	_, err := Parse([]byte(`{"version":"1","strategy":"conservative","calls":[{"tool":"shell.exec"}],"respond":{"kind":"further_processing"}}`), rules, testCatalog)
	var v *policy.Violation
	if !errors.As(err, &v) || v.Rule != policy.RuleRegistry {
		t.Fatalf("expected registry violation, got %v", err)
	}

	// Host utilities are always permitted, even with an empty catalog.
	_, err = Parse([]byte(`{"version":"1","strategy":"conservative","calls":[{"tool":"util.json","args":{"text":"{}"}}],"respond":{"kind":"final_answer"}}`), rules, nil)
	if err != nil {
		t.Fatalf("builtin utility rejected: %v", err)
	}
}

func TestParseRejectsDangerousText(t *testing.T) {
	t.Parallel()

	rules := testRules()
	_, err := Parse([]byte(`{"version":"1","strategy":"conservative","calls":[{"tool":"web.search","args":{"note":"eval(code)"}}],"respond":{"kind":"final_answer"}}`), rules, testCatalog)
	var v *policy.Violation
	if !errors.As(err, &v) || v.Rule != policy.RulePlan {
		t.Fatalf("expected plan violation, got %v", err)
	}

	_, err = Parse([]byte(`{"version":"1","strategy":"conservative","calls":[],"respond":{"kind":"final_answer","template":"`+strings.Repeat("x", 10001)+`"}}`), rules, testCatalog)
	if err == nil {
		t.Fatal("oversized plan accepted")
	}
}

func TestParseArgsDepth(t *testing.T) {
	t.Parallel()

	rules := testRules()
	nested := `"leaf"`
	for i := 0; i < 12; i++ {
		nested = `{"c":` + nested + `}`
	}
	doc := `{"version":"1","strategy":"conservative","calls":[{"tool":"web.search","args":{"deep":` + nested + `}}],"respond":{"kind":"further_processing"}}`
	_, err := Parse([]byte(doc), rules, testCatalog)
	if err == nil {
		t.Fatal("deeply nested args accepted")
	}
}
