// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"fmt"
	"regexp"

	"github.com/mbeema/httpinspect/pkg/config"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor scrubs credentials and personal data out of request targets
// before they leave the process.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// FromConfig compiles the configured rules on top of the built-in ones.
func FromConfig(cfg *config.RedactionConfig) (*Redactor, error) {
	var extra []Rule
	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", rc.Name, err)
		}
		extra = append(extra, Rule{Name: rc.Name, Pattern: re, Replacement: rc.Replacement})
	}
	return New(cfg.Enabled, extra), nil
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 || input == "" {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Enabled reports whether Redact changes anything.
func (r *Redactor) Enabled() bool { return r.enabled }

func builtinRules() []Rule {
	return []Rule{
		{
			// Query and matrix parameters naming a secret.
			Name:        "secret_param",
			Pattern:     regexp.MustCompile(`(?i)([?&;](?:password|passwd|pwd|secret|token|access_token|api_key|apikey|auth|session|sid)=)[^&;#]*`),
			Replacement: "${1}[REDACTED]",
		},
		{
			// user:password@ in absolute-form targets.
			Name:        "userinfo",
			Pattern:     regexp.MustCompile(`(?i)^([a-z][a-z0-9+.-]*://)[^/@?#]+@`),
			Replacement: "${1}[REDACTED]@",
		},
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+-]+(?:@|%40)[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			Replacement: "[REDACTED_EMAIL]",
		},
	}
}
