package executor

import (
	"fmt"
	"regexp"
)

// matchPattern compiles the pattern and returns every match in text. The
// pattern length is capped to keep pathological expressions out.
func matchPattern(pattern, text string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if len(pattern) > 512 {
		return nil, fmt.Errorf("pattern too long: %d chars (max 512)", len(pattern))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return re.FindAllString(text, -1), nil
}
