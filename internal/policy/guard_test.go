package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
)

func TestRateLimitSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	guard := NewGuard(testRules(), WithClock(clock))

	for i := 0; i < 5; i++ {
		if v := guard.AllowURLCall("https://example.com/page"); v != nil {
			t.Fatalf("call %d rejected: %v", i+1, v)
		}
	}
	v := guard.AllowURLCall("https://example.com/other")
	if v == nil {
		t.Fatal("sixth call within window admitted")
	}
	if v.Rule != RuleRateLimit {
		t.Fatalf("rule = %s, want %s", v.Rule, RuleRateLimit)
	}

	// A different domain has its own window.
	if v := guard.AllowURLCall("https://other.org/"); v != nil {
		t.Fatalf("unrelated domain rejected: %v", v)
	}

	// Advancing past the window evicts the old entries.
	now = now.Add(61 * time.Second)
	if v := guard.AllowURLCall("https://example.com/again"); v != nil {
		t.Fatalf("call after window expiry rejected: %v", v)
	}
}

func TestRateLimitNormalizesDomain(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(testRules(), WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		if v := guard.AllowURLCall("https://www.example.com:443/p"); v != nil {
			t.Fatalf("call %d rejected: %v", i+1, v)
		}
	}
	if v := guard.AllowURLCall("https://example.com/"); v == nil {
		t.Fatal("www/port variants should share one window")
	}
}

func TestValidateToolCall(t *testing.T) {
	t.Parallel()

	guard := NewGuard(testRules())
	available := []string{"web.search", "web.fetch"}

	if vs := guard.ValidateToolCall("web.search", map[string]interface{}{"query": "golang news"}, available); len(vs) != 0 {
		t.Fatalf("benign call flagged: %v", vs)
	}

	vs := guard.ValidateToolCall("shell.exec", map[string]interface{}{}, available)
	if len(vs) != 1 || vs[0].Rule != RuleRegistry {
		t.Fatalf("unknown tool: got %v", vs)
	}

	vs = guard.ValidateToolCall("web.fetch", map[string]interface{}{"url": "http://127.0.0.1/admin"}, available)
	if len(vs) == 0 {
		t.Fatal("loopback url accepted")
	}
	if vs[0].Rule != RuleURL {
		t.Fatalf("rule = %s, want %s", vs[0].Rule, RuleURL)
	}

	vs = guard.ValidateToolCall("web.search", map[string]interface{}{
		"input": map[string]interface{}{"command": "rm -rf /"},
	}, available)
	if len(vs) == 0 {
		t.Fatal("nested dangerous command accepted")
	}

	vs = guard.ValidateToolCall("web.search", map[string]interface{}{
		"query": "x' OR '1'='1",
	}, available)
	if len(vs) == 0 {
		t.Fatal("sql injection pattern accepted")
	}
}

func TestValidateToolCallRateLimits(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(testRules(), WithClock(func() time.Time { return now }))
	available := []string{"web.fetch"}

	args := map[string]interface{}{"url": "https://example.com/a"}
	for i := 0; i < 5; i++ {
		if vs := guard.ValidateToolCall("web.fetch", args, available); len(vs) != 0 {
			t.Fatalf("call %d flagged: %v", i+1, vs)
		}
	}
	vs := guard.ValidateToolCall("web.fetch", args, available)
	if len(vs) == 0 || vs[0].Rule != RuleRateLimit {
		t.Fatalf("expected rate limit violation, got %v", vs)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	guard := NewGuard(testRules(), WithClock(clock))

	guard.ValidateToolCall("web.fetch", map[string]interface{}{"url": "https://example.com/a"}, []string{"web.fetch"})
	guard.ValidateToolCall("nope", map[string]interface{}{}, []string{"web.fetch"})
	now = now.Add(3 * time.Second)

	report := guard.Snapshot()
	if report.TotalToolCalls != 2 {
		t.Fatalf("total tool calls = %d, want 2", report.TotalToolCalls)
	}
	if report.URLCallsByDomain["example.com"] != 1 {
		t.Fatalf("domain counts = %v", report.URLCallsByDomain)
	}
	if len(report.RecentViolations) != 1 {
		t.Fatalf("violations = %v", report.RecentViolations)
	}
	if report.SessionDurationSeconds != 3 {
		t.Fatalf("duration = %v, want 3", report.SessionDurationSeconds)
	}
}

func TestRunWithTimeout(t *testing.T) {
	t.Parallel()

	guard := NewGuard(NewRules(config.HeuristicsConfig{
		Network: config.NetworkRulesConfig{RequestTimeout: 20 * time.Millisecond},
	}))

	result, err := guard.RunWithTimeout(context.Background(), 0, func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	if err != nil || result != "done" {
		t.Fatalf("fast call: result=%v err=%v", result, err)
	}

	_, err = guard.RunWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	var fault *TimeoutFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected TimeoutFault, got %v", err)
	}
	report := guard.Snapshot()
	if len(report.RecentViolations) == 0 || report.RecentViolations[0].Rule != RuleTimeout {
		t.Fatalf("timeout violation not recorded: %v", report.RecentViolations)
	}
}

func TestRunWithTimeoutHonorsParentCancel(t *testing.T) {
	t.Parallel()

	guard := NewGuard(testRules())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := guard.RunWithTimeout(ctx, time.Second, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
