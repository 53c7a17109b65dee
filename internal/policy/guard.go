package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
)

// maxTrackedViolations bounds the violation history kept per session.
const maxTrackedViolations = 50

// TimeoutFault marks a call abandoned after its deadline. Cancellation is
// best-effort on the client side only: the backend is not notified and may
// still complete the work.
type TimeoutFault struct {
	Timeout time.Duration
}

func (t *TimeoutFault) Error() string {
	return fmt.Sprintf("operation exceeded %s timeout", t.Timeout)
}

// Guard holds the per-session validation state: the sliding-window rate
// limiter, call counters and violation history. Each session owns exactly
// one Guard; there is no process-global validator.
type Guard struct {
	mu         sync.Mutex
	rules      Rules
	now        func() time.Time
	start      time.Time
	urlCalls   map[string][]time.Time
	toolCalls  int
	violations []Violation
}

// GuardOption customises Guard construction.
type GuardOption func(*Guard)

// WithClock overrides the time source, used by tests to drive the
// rate-limit window deterministically.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard builds a fresh per-session Guard over the given rule set.
func NewGuard(rules Rules, opts ...GuardOption) *Guard {
	g := &Guard{
		rules:    rules,
		now:      time.Now,
		urlCalls: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.start = g.now()
	return g
}

// Rules exposes the stateless rule set the guard applies.
func (g *Guard) Rules() Rules { return g.rules }

// AllowURLCall admits or rejects a call to the URL's domain under the
// sliding window. Expired entries are evicted lazily before the count is
// compared; the call is recorded only when admitted.
func (g *Guard) AllowURLCall(rawURL string) *Violation {
	domain := normalizeHost(rawURL)
	if domain == "" {
		return &Violation{Rule: RuleRateLimit, Message: "cannot parse domain from url", Severity: SeverityError}
	}
	cfg := g.rules.Config().Network

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	windowStart := now.Add(-cfg.URLCallWindow)
	kept := g.urlCalls[domain][:0]
	for _, t := range g.urlCalls[domain] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	g.urlCalls[domain] = kept

	if len(kept) >= cfg.MaxURLCallsPerDomain {
		v := Violation{
			Rule: RuleRateLimit,
			Message: fmt.Sprintf("rate limit exceeded for %s: %d calls in %s (max %d)",
				domain, len(kept), cfg.URLCallWindow, cfg.MaxURLCallsPerDomain),
			Severity: SeverityError,
		}
		g.recordLocked(v)
		return &v
	}
	g.urlCalls[domain] = append(kept, now)
	return nil
}

// Record notes a violation in the session history and metrics.
func (g *Guard) Record(v Violation) {
	g.mu.Lock()
	g.recordLocked(v)
	g.mu.Unlock()
}

func (g *Guard) recordLocked(v Violation) {
	g.violations = append(g.violations, v)
	if len(g.violations) > maxTrackedViolations {
		g.violations = g.violations[len(g.violations)-maxTrackedViolations:]
	}
	countViolation(context.Background(), v)
}

// ValidateToolCall runs every relevant check for a tool invocation and
// returns all violations found: registry membership, structural argument
// scanning for URLs, commands, secrets, SQL and file paths, and the
// per-domain rate limit when a URL argument is present.
func (g *Guard) ValidateToolCall(name string, args map[string]interface{}, available []string) []Violation {
	g.mu.Lock()
	g.toolCalls++
	g.mu.Unlock()

	var out []Violation
	add := func(v *Violation) {
		if v != nil {
			out = append(out, *v)
		}
	}

	add(g.rules.ValidateRegistry(name, available))

	if raw, err := json.Marshal(args); err == nil {
		add(g.rules.ValidateMemoryUsage(int64(len(raw))))
		add(g.rules.ValidateSecrets(string(raw)))
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err == nil {
			add(g.rules.ValidateDepth(parsed))
		}
	} else {
		out = append(out, Violation{
			Rule:     RuleJSONDepth,
			Message:  fmt.Sprintf("tool args not serializable: %v", err),
			Severity: SeverityError,
		})
	}

	g.scanArgs(args, &out)

	for _, v := range out {
		g.Record(v)
	}
	return out
}

// scanArgs walks the argument tree applying content checks keyed by
// conventional field names.
func (g *Guard) scanArgs(node interface{}, out *[]Violation) {
	add := func(v *Violation) {
		if v != nil {
			*out = append(*out, *v)
		}
	}
	switch t := node.(type) {
	case map[string]interface{}:
		for key, value := range t {
			switch key {
			case "url":
				if s, ok := value.(string); ok {
					if v := g.rules.ValidateURL(s); v != nil {
						add(v)
					} else {
						add(g.AllowURLCall(s))
					}
					continue
				}
			case "file_path", "path":
				if s, ok := value.(string); ok {
					add(g.rules.ValidateFilePaths([]string{s}))
					continue
				}
			case "paths", "files":
				if list, ok := value.([]interface{}); ok {
					var paths []string
					for _, item := range list {
						if s, ok := item.(string); ok {
							paths = append(paths, s)
						}
					}
					add(g.rules.ValidateFilePaths(paths))
					continue
				}
			case "command", "code":
				if s, ok := value.(string); ok {
					add(g.rules.ValidateCommand(s))
					continue
				}
			case "query":
				if s, ok := value.(string); ok {
					add(g.rules.ValidateSQL(s))
					continue
				}
			}
			g.scanArgs(value, out)
		}
	case []interface{}:
		for _, item := range t {
			g.scanArgs(item, out)
		}
	}
}

// Report is a point-in-time snapshot of the guard state.
type Report struct {
	SessionDurationSeconds float64                 `json:"session_duration_seconds"`
	URLCallsByDomain       map[string]int          `json:"url_calls_by_domain"`
	TotalToolCalls         int                     `json:"total_tool_calls"`
	RecentViolations       []Violation             `json:"recent_violations"`
	Config                 config.HeuristicsConfig `json:"config"`
}

// Snapshot returns the current validation report.
func (g *Guard) Snapshot() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	domains := make(map[string]int, len(g.urlCalls))
	for domain, calls := range g.urlCalls {
		domains[domain] = len(calls)
	}
	violations := make([]Violation, len(g.violations))
	copy(violations, g.violations)

	return Report{
		SessionDurationSeconds: g.now().Sub(g.start).Seconds(),
		URLCallsByDomain:       domains,
		TotalToolCalls:         g.toolCalls,
		RecentViolations:       violations,
		Config:                 g.rules.Config(),
	}
}

// RunWithTimeout executes fn under the configured network deadline (or the
// explicit one when positive). On expiry the wait is abandoned and a
// TimeoutFault returned; fn keeps running in its goroutine until it
// observes the cancelled context.
func (g *Guard) RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if timeout <= 0 {
		timeout = g.rules.Config().Network.RequestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fault := &TimeoutFault{Timeout: timeout}
		g.Record(Violation{Rule: RuleTimeout, Message: fault.Error(), Severity: SeverityError})
		return nil, fault
	}
}
