// Package fanout issues one model call per council member concurrently and
// collects every outcome, success or failure, before returning.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rand/council/internal/council"
	"golang.org/x/sync/errgroup"
)

// Invoker performs a single model call. gateway.Gateway satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, member council.Member, messages []council.ChatMessage, system string) council.ModelResponse
}

// Call is one member's request within a fan-out.
type Call struct {
	Member   council.Member
	Messages []council.ChatMessage
	System   string
}

// Config controls an Executor.
type Config struct {
	// MaxParallel bounds in-flight calls. Zero issues every call at once.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" toml:"max_parallel" jsonschema:"description=Maximum concurrent model calls per stage (0 = unbounded)"`

	// TimeoutPerCall bounds each call in addition to the gateway timeout.
	TimeoutPerCall time.Duration `json:"timeout_per_call,omitempty" yaml:"timeout_per_call,omitempty" toml:"timeout_per_call" jsonschema:"description=Optional extra per-call deadline"`
}

// DefaultConfig returns an unbounded configuration with no extra deadline.
func DefaultConfig() Config {
	return Config{}
}

// Executor runs fan-outs. It never retries and never stops early.
type Executor struct {
	invoker Invoker
	config  Config
}

// NewExecutor creates an executor over invoker.
func NewExecutor(invoker Invoker, config Config) *Executor {
	if config.MaxParallel < 0 {
		config.MaxParallel = 0
	}
	return &Executor{invoker: invoker, config: config}
}

// RunParallel sends the same messages to every member, each under its own
// persona.
func (e *Executor) RunParallel(ctx context.Context, members []council.Member, messages []council.ChatMessage) *Result {
	calls := make([]Call, len(members))
	for i, m := range members {
		calls[i] = Call{Member: m, Messages: messages, System: m.Persona}
	}
	return e.Run(ctx, calls)
}

// Run issues every call concurrently and waits for all of them. The result
// holds exactly one response per call, in call order.
func (e *Executor) Run(ctx context.Context, calls []Call) *Result {
	result := newResult(len(calls))
	if len(calls) == 0 {
		return result
	}
	start := time.Now()

	parallelism := e.config.MaxParallel
	if parallelism == 0 || parallelism > len(calls) {
		parallelism = len(calls)
	}
	sem := make(chan struct{}, parallelism)

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			var resp council.ModelResponse
			defer func() {
				if r := recover(); r != nil {
					resp = council.Failed(call.Member, fmt.Errorf("panic: %v", r))
				}
				result.set(i, resp)
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resp = council.Failed(call.Member, ctx.Err())
				return nil
			}

			callCtx := ctx
			if e.config.TimeoutPerCall > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, e.config.TimeoutPerCall)
				defer cancel()
			}

			resp = e.invoker.Invoke(callCtx, call.Member, call.Messages, call.System)
			if resp.MemberID != call.Member.ID {
				resp.MemberID = call.Member.ID
			}
			return nil
		})
	}
	// Calls report failure through their response, never through the group.
	_ = g.Wait()

	result.Duration = time.Since(start)
	return result
}

// Result is the outcome of one fan-out.
type Result struct {
	responses []council.ModelResponse
	mu        sync.Mutex

	Duration time.Duration
}

func newResult(n int) *Result {
	return &Result{responses: make([]council.ModelResponse, n)}
}

func (r *Result) set(i int, resp council.ModelResponse) {
	r.mu.Lock()
	r.responses[i] = resp
	r.mu.Unlock()
}

// Len returns the number of entries, which always equals the number of calls.
func (r *Result) Len() int {
	return len(r.responses)
}

// Responses returns every entry in call order.
func (r *Result) Responses() []council.ModelResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]council.ModelResponse(nil), r.responses...)
}

// Get returns the response for a member id.
func (r *Result) Get(memberID string) (council.ModelResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses {
		if resp.MemberID == memberID {
			return resp, true
		}
	}
	return council.ModelResponse{}, false
}

// ByMember returns the entries keyed by member id.
func (r *Result) ByMember() map[string]council.ModelResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]council.ModelResponse, len(r.responses))
	for _, resp := range r.responses {
		out[resp.MemberID] = resp
	}
	return out
}

// Succeeded returns the successful entries in call order.
func (r *Result) Succeeded() []council.ModelResponse {
	var out []council.ModelResponse
	for _, resp := range r.Responses() {
		if resp.OK() {
			out = append(out, resp)
		}
	}
	return out
}

// Usage sums token usage across every entry.
func (r *Result) Usage() council.Usage {
	var u council.Usage
	for _, resp := range r.Responses() {
		u.Add(resp.Usage)
	}
	return u
}
