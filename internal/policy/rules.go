package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/stepwise/config"
)

// Severity grades a violation. Block terminates the session, error fails
// the offending call, warning is recorded only.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityBlock   Severity = "block"
)

// Violation is a single failed check.
type Violation struct {
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(v.Severity)), v.Rule, v.Message)
}

// Rule identifiers, used in violations and metrics.
const (
	RuleURL       = "url"
	RuleRateLimit = "rate_limit"
	RuleJSONDepth = "json_depth"
	RuleLength    = "input_length"
	RuleUnicode   = "unicode"
	RuleFilePaths = "file_paths"
	RuleCommand   = "command"
	RuleSecret    = "secret"
	RuleSQL       = "sql_injection"
	RuleRegistry  = "tool_registry"
	RulePlan      = "plan"
	RuleRecursion = "recursion"
	RuleMemory    = "memory"
	RuleTimeout   = "timeout"
)

// Rules evaluates the stateless checks. Built from configuration once and
// shared freely; it carries no per-session state.
type Rules struct {
	cfg config.HeuristicsConfig
}

// NewRules builds a Rules set from normalized heuristics configuration.
func NewRules(cfg config.HeuristicsConfig) Rules {
	return Rules{cfg: cfg.Normalize()}
}

// Config exposes the effective rule configuration.
func (r Rules) Config() config.HeuristicsConfig { return r.cfg }

var (
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)api[_-]?key["']?\s*[:=]\s*["']?[a-zA-Z0-9_\-]{20,}`),
		regexp.MustCompile(`(?i)secret[_-]?key["']?\s*[:=]\s*["']?[a-zA-Z0-9_\-]{20,}`),
		regexp.MustCompile(`(?i)password["']?\s*[:=]\s*["'][^"']{8,}`),
		regexp.MustCompile(`(?i)\b(sk|pk)_[a-z]{4,}_[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
	}

	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)'\s*OR\s+'1'\s*=\s*'1`),
		regexp.MustCompile(`(?i);\s*DROP\s+TABLE`),
		regexp.MustCompile(`(?i)UNION\s+SELECT`),
		regexp.MustCompile(`(?m)--\s*$`),
		regexp.MustCompile(`'\s*;`),
	}

	commandPatterns = []*regexp.Regexp{
		regexp.MustCompile(`rm\s+-[rf]{1,2}\s+/`),
		regexp.MustCompile(`>\s*/dev/sd[a-z]`),
		regexp.MustCompile(`dd\s+if=.*of=/dev/`),
		regexp.MustCompile(`mkfs\.`),
		regexp.MustCompile(`chmod\s+-r\s+777`),
		regexp.MustCompile(`chown\s+-r\s`),
	}

	// Constructs a plan document must never carry: process spawning,
	// dynamic evaluation, direct syscalls.
	planPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsubprocess\b`),
		regexp.MustCompile(`(?i)\bos\.system\b`),
		regexp.MustCompile(`(?i)\beval\s*\(`),
		regexp.MustCompile(`(?i)\bexec\s*\(`),
		regexp.MustCompile(`(?i)\bpopen\s*\(`),
		regexp.MustCompile(`(?i)\bfork\s*\(`),
		regexp.MustCompile(`(?i)\bsyscall\b`),
		regexp.MustCompile(`(?i)\b__import__\s*\(`),
	}

	// Zero-width and bidirectional override code points used for
	// homoglyph and reordering attacks.
	suspiciousRunes = []rune{
		'\u200B', '\u200C', '\u200D', '\uFEFF',
		'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
		'\u2066', '\u2067', '\u2068', '\u2069',
	}
)

// ValidateURL checks scheme, host syntax and SSRF-prone destinations.
func (r Rules) ValidateURL(raw string) *Violation {
	if strings.TrimSpace(raw) == "" {
		return &Violation{Rule: RuleURL, Message: "url is empty", Severity: SeverityError}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return &Violation{Rule: RuleURL, Message: fmt.Sprintf("malformed url: %v", err), Severity: SeverityError}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &Violation{Rule: RuleURL, Message: fmt.Sprintf("invalid scheme %q, only http/https allowed", parsed.Scheme), Severity: SeverityError}
	}
	host := parsed.Hostname()
	if host == "" {
		return &Violation{Rule: RuleURL, Message: "url missing host", Severity: SeverityError}
	}
	if strings.EqualFold(host, "localhost") {
		return &Violation{Rule: RuleURL, Message: "access to localhost is blocked", Severity: SeverityError}
	}
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return &Violation{Rule: RuleURL, Message: fmt.Sprintf("access to loopback address %s is blocked", host), Severity: SeverityError}
		case ip.IsUnspecified():
			return &Violation{Rule: RuleURL, Message: fmt.Sprintf("access to %s is blocked", host), Severity: SeverityError}
		case ip.IsPrivate():
			return &Violation{Rule: RuleURL, Message: "access to private IP range is blocked", Severity: SeverityError}
		case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
			return &Violation{Rule: RuleURL, Message: "access to link-local address is blocked", Severity: SeverityError}
		}
	}
	return nil
}

// ValidateDepth rejects structured data nested deeper than the configured
// maximum. A payload exactly at the maximum is accepted.
func (r Rules) ValidateDepth(v interface{}) *Violation {
	depth := nestingDepth(v, 0)
	if depth > r.cfg.JSON.MaxDepth {
		return &Violation{
			Rule:     RuleJSONDepth,
			Message:  fmt.Sprintf("nesting depth %d exceeds maximum %d", depth, r.cfg.JSON.MaxDepth),
			Severity: SeverityError,
		}
	}
	return nil
}

// ValidateJSONInput parses raw JSON and applies the depth check.
func (r Rules) ValidateJSONInput(raw string) (interface{}, *Violation) {
	if strings.TrimSpace(raw) == "" {
		return nil, &Violation{Rule: RuleJSONDepth, Message: "json input is empty", Severity: SeverityError}
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &Violation{Rule: RuleJSONDepth, Message: fmt.Sprintf("invalid json: %v", err), Severity: SeverityError}
	}
	if v := r.ValidateDepth(parsed); v != nil {
		return parsed, v
	}
	return parsed, nil
}

func nestingDepth(v interface{}, current int) int {
	switch t := v.(type) {
	case map[string]interface{}:
		deepest := current
		for _, child := range t {
			if d := nestingDepth(child, current+1); d > deepest {
				deepest = d
			}
		}
		return deepest
	case []interface{}:
		deepest := current
		for _, child := range t {
			if d := nestingDepth(child, current+1); d > deepest {
				deepest = d
			}
		}
		return deepest
	default:
		return current
	}
}

// ValidateLength bounds free-text input size.
func (r Rules) ValidateLength(text string) *Violation {
	if len(text) > r.cfg.Input.MaxLength {
		return &Violation{
			Rule:     RuleLength,
			Message:  fmt.Sprintf("input too long: %d chars (max %d)", len(text), r.cfg.Input.MaxLength),
			Severity: SeverityBlock,
		}
	}
	return nil
}

// ValidateUnicode flags zero-width and bidi-override code points. In strict
// mode, or when non-ASCII input is disallowed, any non-ASCII byte is
// rejected.
func (r Rules) ValidateUnicode(text string) *Violation {
	if r.cfg.Input.StrictASCII || (r.cfg.Input.AllowNonASCII != nil && !*r.cfg.Input.AllowNonASCII) {
		for i := 0; i < len(text); i++ {
			if text[i] > 127 {
				return &Violation{
					Rule:     RuleUnicode,
					Message:  fmt.Sprintf("non-ASCII character at byte %d", i),
					Severity: SeverityBlock,
				}
			}
		}
		return nil
	}
	for _, suspect := range suspiciousRunes {
		if strings.ContainsRune(text, suspect) {
			return &Violation{
				Rule:     RuleUnicode,
				Message:  fmt.Sprintf("suspicious unicode character detected: U+%04X", suspect),
				Severity: SeverityBlock,
			}
		}
	}
	return nil
}

// ValidateCommand matches the configured deny list plus known destructive
// shell patterns, case-insensitively.
func (r Rules) ValidateCommand(command string) *Violation {
	lowered := strings.ToLower(command)
	for _, blocked := range r.cfg.Commands.BlockedCommands {
		if blocked == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(blocked)) {
			return &Violation{
				Rule:     RuleCommand,
				Message:  fmt.Sprintf("dangerous command detected: %q", blocked),
				Severity: SeverityError,
			}
		}
	}
	if strings.Contains(lowered, ":(){") {
		return &Violation{Rule: RuleCommand, Message: "fork bomb pattern detected", Severity: SeverityError}
	}
	for _, pattern := range commandPatterns {
		if pattern.MatchString(lowered) {
			return &Violation{Rule: RuleCommand, Message: "dangerous command pattern detected", Severity: SeverityError}
		}
	}
	return nil
}

// ValidateSecrets scans for credential material: generic key=value secrets
// and provider-prefixed tokens.
func (r Rules) ValidateSecrets(text string) *Violation {
	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return &Violation{
				Rule:     RuleSecret,
				Message:  "potential API key or secret detected, use environment variables instead",
				Severity: SeverityError,
			}
		}
	}
	return nil
}

// ValidateSQL applies basic injection-pattern detection to query text.
func (r Rules) ValidateSQL(query string) *Violation {
	for _, pattern := range sqlPatterns {
		if pattern.MatchString(query) {
			return &Violation{Rule: RuleSQL, Message: "potential SQL injection pattern detected", Severity: SeverityError}
		}
	}
	return nil
}

// ValidateFilePaths bounds file count per call and rejects blocked prefixes.
func (r Rules) ValidateFilePaths(paths []string) *Violation {
	if len(paths) > r.cfg.Files.MaxFilesPerCall {
		return &Violation{
			Rule:     RuleFilePaths,
			Message:  fmt.Sprintf("too many files: %d (max %d)", len(paths), r.cfg.Files.MaxFilesPerCall),
			Severity: SeverityError,
		}
	}
	for _, path := range paths {
		lowered := strings.ToLower(path)
		for _, blocked := range r.cfg.Files.BlockedPaths {
			if strings.Contains(lowered, strings.ToLower(blocked)) {
				return &Violation{
					Rule:     RuleFilePaths,
					Message:  fmt.Sprintf("access to %s is blocked", blocked),
					Severity: SeverityError,
				}
			}
		}
	}
	return nil
}

// ValidateRecursionDepth bounds recursive expansion.
func (r Rules) ValidateRecursionDepth(depth int) *Violation {
	if depth > r.cfg.Limits.MaxRecursionDepth {
		return &Violation{
			Rule:     RuleRecursion,
			Message:  fmt.Sprintf("recursion depth %d exceeds maximum %d", depth, r.cfg.Limits.MaxRecursionDepth),
			Severity: SeverityError,
		}
	}
	return nil
}

// ValidateMemoryUsage bounds the size of a payload a call may carry.
func (r Rules) ValidateMemoryUsage(sizeBytes int64) *Violation {
	maxBytes := int64(r.cfg.Limits.MaxMemoryMB) * 1024 * 1024
	if sizeBytes > maxBytes {
		return &Violation{
			Rule:     RuleMemory,
			Message:  fmt.Sprintf("payload size %.2fMB exceeds limit %dMB", float64(sizeBytes)/(1024*1024), r.cfg.Limits.MaxMemoryMB),
			Severity: SeverityError,
		}
	}
	return nil
}

// ValidateRegistry verifies a tool name against the advertised catalog. The
// failure message carries the currently available names.
func (r Rules) ValidateRegistry(name string, available []string) *Violation {
	for _, tool := range available {
		if tool == name {
			return nil
		}
	}
	preview := available
	if len(preview) > 5 {
		preview = preview[:5]
	}
	return &Violation{
		Rule:     RuleRegistry,
		Message:  fmt.Sprintf("tool %q not found in registry, available: %s", name, strings.Join(preview, ", ")),
		Severity: SeverityError,
	}
}

// ValidatePlanText scans a raw plan document for size and for constructs a
// plan must never request. Runs before schema validation as defense in
// depth over the serialized form.
func (r Rules) ValidatePlanText(raw string) *Violation {
	if len(raw) > r.cfg.Plan.MaxLength {
		return &Violation{
			Rule:     RulePlan,
			Message:  fmt.Sprintf("plan too long: %d chars (max %d)", len(raw), r.cfg.Plan.MaxLength),
			Severity: SeverityError,
		}
	}
	for _, pattern := range planPatterns {
		if pattern.MatchString(raw) {
			return &Violation{Rule: RulePlan, Message: "disallowed construct detected in plan", Severity: SeverityError}
		}
	}
	if v := r.ValidateCommand(raw); v != nil {
		return &Violation{Rule: RulePlan, Message: "dangerous command in plan: " + v.Message, Severity: SeverityError}
	}
	return nil
}

// ValidateInput runs the checks applied to the user query before a session
// starts. Block-severity violations terminate the session.
func (r Rules) ValidateInput(text string) []Violation {
	var out []Violation
	if v := r.ValidateLength(text); v != nil {
		out = append(out, *v)
	}
	if v := r.ValidateUnicode(text); v != nil {
		out = append(out, *v)
	}
	if v := r.ValidateSecrets(text); v != nil {
		out = append(out, *v)
	}
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Host
		}
	}
	if host, _, err := net.SplitHostPort(value); err == nil && host != "" {
		value = host
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}
