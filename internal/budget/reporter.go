package budget

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rand/council/internal/council"
)

// Report is a snapshot of budget state.
type Report struct {
	State  State  `json:"state"`
	Limits Limits `json:"limits"`
	Usage  Usage  `json:"usage"`
}

// NewReport creates a report from a tracker.
func NewReport(t *Tracker) Report {
	return Report{
		State:  t.State(),
		Limits: t.Limits(),
		Usage:  t.Usage(),
	}
}

// Summary returns a brief one-line summary.
func (r Report) Summary() string {
	parts := []string{
		fmt.Sprintf("Tokens: %s in / %s out", formatCount(r.State.InputTokens, r.Limits.MaxInputTokens), formatCount(r.State.OutputTokens, r.Limits.MaxOutputTokens)),
		fmt.Sprintf("Calls: %s", formatCount(int64(r.State.Calls), int64(r.Limits.MaxCalls))),
	}
	if r.State.Failures > 0 {
		parts = append(parts, fmt.Sprintf("Failed: %d", r.State.Failures))
	}
	return strings.Join(parts, " | ")
}

// Detailed returns a multi-line detailed report.
func (r Report) Detailed() string {
	var sb strings.Builder

	sb.WriteString("=== Token Budget ===\n\n")

	sb.WriteString("Token Usage:\n")
	sb.WriteString(fmt.Sprintf("  Input:  %s %s\n", formatCount(r.State.InputTokens, r.Limits.MaxInputTokens), progressBar(r.Usage.InputTokensPercent, 10)))
	sb.WriteString(fmt.Sprintf("  Output: %s %s\n", formatCount(r.State.OutputTokens, r.Limits.MaxOutputTokens), progressBar(r.Usage.OutputTokensPercent, 10)))
	sb.WriteString(fmt.Sprintf("  Total:  %d\n", r.State.TotalTokens))
	sb.WriteString("\n")

	sb.WriteString("Calls:\n")
	sb.WriteString(fmt.Sprintf("  Made:   %s\n", formatCount(int64(r.State.Calls), int64(r.Limits.MaxCalls))))
	sb.WriteString(fmt.Sprintf("  Failed: %d\n", r.State.Failures))
	sb.WriteString("\n")

	if len(r.State.ByProvider) > 0 {
		sb.WriteString("By Provider:\n")
		kinds := make([]council.ProviderKind, 0, len(r.State.ByProvider))
		for k := range r.State.ByProvider {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			u := r.State.ByProvider[k]
			sb.WriteString(fmt.Sprintf("  %-14s %d in / %d out\n", k, u.InputTokens, u.OutputTokens))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("Session Duration: %s\n", formatDuration(r.State.SessionDuration())))

	return sb.String()
}

func formatCount(current, limit int64) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", current)
	}
	return fmt.Sprintf("%d/%d", current, limit)
}

// progressBar creates a simple ASCII progress bar.
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent / 100 * float64(width))
	empty := width - filled

	return strings.Repeat("▓", filled) + strings.Repeat("░", empty)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
