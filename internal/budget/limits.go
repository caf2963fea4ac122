package budget

import (
	"fmt"
)

// Limits defines the token budget of one process. Zero disables a limit.
type Limits struct {
	MaxInputTokens  int64 `json:"max_input_tokens,omitempty" yaml:"max_input_tokens,omitempty" toml:"max_input_tokens" jsonschema:"description=Prompt tokens allowed per process (0 = unlimited),minimum=0"`
	MaxOutputTokens int64 `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" toml:"max_output_tokens" jsonschema:"description=Completion tokens allowed per process (0 = unlimited),minimum=0"`
	MaxCalls        int   `json:"max_calls,omitempty" yaml:"max_calls,omitempty" toml:"max_calls" jsonschema:"description=Model calls allowed per process (0 = unlimited),minimum=0"`

	// WarningThreshold (0-1) reports a soft violation before a hard one.
	WarningThreshold float64 `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty" toml:"warning_threshold" jsonschema:"description=Fraction of a limit that triggers a warning,minimum=0,maximum=1,default=0.8"`
}

// DefaultLimits returns an unlimited budget that warns at 80%.
func DefaultLimits() Limits {
	return Limits{
		WarningThreshold: 0.80,
	}
}

// Validate rejects negative limits and thresholds outside 0-1.
func (l Limits) Validate() error {
	if l.MaxInputTokens < 0 || l.MaxOutputTokens < 0 || l.MaxCalls < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if l.WarningThreshold < 0 || l.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be between 0 and 1, got %g", l.WarningThreshold)
	}
	return nil
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool {
	return l.MaxInputTokens > 0 || l.MaxOutputTokens > 0 || l.MaxCalls > 0
}

// Violation represents a limit that has been exceeded or is near being exceeded.
type Violation struct {
	Metric  string  `json:"metric"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
	Hard    bool    `json:"hard"`    // blocks further calls
	Warning bool    `json:"warning"` // crossed the warning threshold
	Message string  `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

// Check evaluates the current state against limits and returns any violations.
func (l Limits) Check(state State) []Violation {
	var violations []Violation
	check := func(metric string, current, limit float64) {
		if limit <= 0 {
			return
		}
		percent := current / limit
		switch {
		case percent >= 1.0:
			violations = append(violations, Violation{
				Metric:  metric,
				Current: current,
				Limit:   limit,
				Percent: percent * 100,
				Hard:    true,
				Message: fmt.Sprintf("%s budget exhausted: %.0f/%.0f", metric, current, limit),
			})
		case l.WarningThreshold > 0 && percent >= l.WarningThreshold:
			violations = append(violations, Violation{
				Metric:  metric,
				Current: current,
				Limit:   limit,
				Percent: percent * 100,
				Warning: true,
				Message: fmt.Sprintf("%s at %.0f%% of budget", metric, percent*100),
			})
		}
	}

	check("input_tokens", float64(state.InputTokens), float64(l.MaxInputTokens))
	check("output_tokens", float64(state.OutputTokens), float64(l.MaxOutputTokens))
	check("calls", float64(state.Calls), float64(l.MaxCalls))

	return violations
}

// HasHardViolation returns true if any violations are hard limits.
func HasHardViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Hard {
			return true
		}
	}
	return false
}
