package logger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Sanitizer masks secrets before they reach a log sink.
//
// Only values of sensitive keys are masked by SanitizeArgs; a secret
// inside the value of an innocuous key (e.g. a custom robocopy switch
// carrying a password) is caught only if one of the text rules matches.
type Sanitizer struct {
	mu    sync.RWMutex
	rules []SanitizeRule
}

// SanitizeRule is one regular expression replacement
type SanitizeRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"token", "secret", "credential",
}

// NewSanitizer creates a sanitizer with the secret rules and, if
// maskPaths is set, the home directory rules
func NewSanitizer(maskPaths bool) *Sanitizer {
	rules := secretRules()
	if maskPaths {
		rules = append(rules, pathRules()...)
	}
	return &Sanitizer{rules: rules}
}

func secretRules() []SanitizeRule {
	return []SanitizeRule{
		{regexp.MustCompile(`(?i)(password|passwd|pwd)=\S+`), "$1=***"},
		{regexp.MustCompile(`(?i)token=\S+`), "token=***"},
		// net use style credentials in UNC mappings
		{regexp.MustCompile(`(?i)(/user:\S+)\s+\S+`), "$1 ***"},
	}
}

func pathRules() []SanitizeRule {
	return []SanitizeRule{
		// 使用者目錄（所有磁碟機與 UNC）
		{regexp.MustCompile(`(?i)[A-Z]:\\Users\\[^\\"]+`), `***:\Users\***`},
		{regexp.MustCompile(`(?i)\\\\[^\\]+\\[^\\]+\\Users\\[^\\"]+`), `\\***\***\Users\***`},
		{regexp.MustCompile(`/home/[^/"]+`), "/home/***"},
		{regexp.MustCompile(`/Users/[^/"]+`), "/Users/***"},
	}
}

// Sanitize applies every rule to input
func (s *Sanitizer) Sanitize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.rules {
		input = rule.Pattern.ReplaceAllString(input, rule.Replacement)
	}
	return input
}

// SanitizeArgs masks the values of sensitive keys and runs the text rules
// over the remaining string values. The input slice is not modified.
func (s *Sanitizer) SanitizeArgs(args []any) []any {
	if len(args) == 0 {
		return args
	}

	out := make([]any, len(args))
	copy(out, args)

	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		var text string
		switch v := out[i+1].(type) {
		case string:
			text = v
		case error:
			text = v.Error()
		default:
			continue
		}

		if isSensitiveKey(key) {
			out[i+1] = maskValue(text)
		} else {
			out[i+1] = s.Sanitize(text)
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// maskValue keeps at most the first and last character
func maskValue(value string) string {
	switch {
	case len(value) <= 2:
		return "***"
	case len(value) <= 8:
		return value[:1] + "***"
	default:
		return value[:1] + "***" + value[len(value)-1:]
	}
}

// AddRule appends a custom rule
func (s *Sanitizer) AddRule(pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, SanitizeRule{Pattern: re, Replacement: replacement})
	return nil
}
