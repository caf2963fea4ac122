// Package budget tracks the tokens and calls spent by model invocations and
// enforces an optional per-process budget.
package budget

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rand/council/internal/council"
)

// ErrExhausted wraps the hard violation that blocked a call.
var ErrExhausted = errors.New("token budget exhausted")

// State tracks current resource usage.
type State struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`

	Calls    int `json:"calls"`
	Failures int `json:"failures"`

	// ByProvider splits token usage per provider kind.
	ByProvider map[council.ProviderKind]council.Usage `json:"by_provider,omitempty"`

	SessionStart time.Time `json:"session_start"`
}

// SessionDuration returns the time since session start.
func (s *State) SessionDuration() time.Duration {
	if s.SessionStart.IsZero() {
		return 0
	}
	return time.Since(s.SessionStart)
}

// Tracker tracks budget usage across a process. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	limits Limits

	// Callbacks for limit violations; each metric warns once.
	onLimitExceeded func(violation Violation)
	reported        map[string]bool
}

// NewTracker creates a new budget tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		state: State{
			SessionStart: time.Now(),
			ByProvider:   make(map[council.ProviderKind]council.Usage),
		},
		limits:   limits,
		reported: make(map[string]bool),
	}
}

// SetLimitCallback sets a callback for when limits are crossed.
func (t *Tracker) SetLimitCallback(cb func(Violation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLimitExceeded = cb
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.state
	s.ByProvider = maps.Clone(t.state.ByProvider)
	return s
}

// Limits returns a copy of the current limits.
func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// Allow reports whether another call may start. The returned error wraps
// ErrExhausted and the blocking Violation.
func (t *Tracker) Allow() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.limits.Check(t.state) {
		if v.Hard {
			return errors.Join(ErrExhausted, v)
		}
	}
	return nil
}

// Record accounts one finished call. Failed calls count toward MaxCalls but
// carry no usage.
func (t *Tracker) Record(kind council.ProviderKind, usage council.Usage, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Calls++
	if failed {
		t.state.Failures++
	}
	t.state.InputTokens += usage.InputTokens
	t.state.OutputTokens += usage.OutputTokens
	t.state.TotalTokens += usage.TotalTokens

	p := t.state.ByProvider[kind]
	p.Add(usage)
	t.state.ByProvider[kind] = p

	t.notifyLocked()
}

// notifyLocked reports newly crossed thresholds. Must be called with lock held.
func (t *Tracker) notifyLocked() {
	if t.onLimitExceeded == nil {
		return
	}
	for _, v := range t.limits.Check(t.state) {
		key := v.Metric
		if v.Hard {
			key += ":hard"
		}
		if t.reported[key] {
			continue
		}
		t.reported[key] = true
		t.onLimitExceeded(v)
	}
}

// CheckLimits checks current state against limits.
func (t *Tracker) CheckLimits() []Violation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits.Check(t.state)
}

// Reset resets all counters but keeps limits.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{
		SessionStart: time.Now(),
		ByProvider:   make(map[council.ProviderKind]council.Usage),
	}
	t.reported = make(map[string]bool)
}

// Usage returns a summary of current usage as percentages of limits.
func (t *Tracker) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := Usage{}

	if t.limits.MaxInputTokens > 0 {
		u.InputTokensPercent = float64(t.state.InputTokens) / float64(t.limits.MaxInputTokens) * 100
	}
	if t.limits.MaxOutputTokens > 0 {
		u.OutputTokensPercent = float64(t.state.OutputTokens) / float64(t.limits.MaxOutputTokens) * 100
	}
	if t.limits.MaxCalls > 0 {
		u.CallsPercent = float64(t.state.Calls) / float64(t.limits.MaxCalls) * 100
	}

	return u
}

// Usage represents resource usage as percentages of limits.
type Usage struct {
	InputTokensPercent  float64 `json:"input_tokens_percent"`
	OutputTokensPercent float64 `json:"output_tokens_percent"`
	CallsPercent        float64 `json:"calls_percent"`
}
