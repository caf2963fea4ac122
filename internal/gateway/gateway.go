// Package gateway gives every council stage a single way to call a model.
//
// A Gateway turns a member's Binding into a cached Backend, applies the
// per-provider rate limit, the per-binding circuit breaker and the per-call
// timeout, and converts every failure into a failed council.ModelResponse.
// Nothing in this package retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/council"
	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 120 * time.Second

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response")

// Completion is a provider neutral model answer.
type Completion struct {
	Text  string
	Usage council.Usage
}

// Backend is one way of reaching a model. Implementations exist per provider
// kind; tests supply their own.
type Backend interface {
	Generate(ctx context.Context, prompt []council.ChatMessage) (Completion, error)
}

// Factory builds the backend for a binding.
type Factory func(ctx context.Context, b council.Binding) (Backend, error)

// Options configures a Gateway.
type Options struct {
	// Factory builds backends. Defaults to fantasy-backed providers.
	Factory Factory

	// Timeout bounds each call. Default: 120 seconds.
	Timeout time.Duration

	// RateLimit is the allowed calls per second per provider kind.
	// Zero disables limiting.
	RateLimit float64

	// Breaker configures the per-binding circuit breakers.
	Breaker BreakerConfig

	// Budget, when set, accounts every call and refuses new calls once a
	// hard limit is reached.
	Budget *budget.Tracker

	Logger *slog.Logger
}

// Gateway invokes models on behalf of council members.
type Gateway struct {
	factory  Factory
	timeout  time.Duration
	rps      float64
	breakers *BreakerRegistry
	budget   *budget.Tracker
	logger   *slog.Logger

	mu       sync.Mutex
	backends map[uint64]Backend
	limiters map[council.ProviderKind]*rate.Limiter
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.Factory == nil {
		opts.Factory = NewFantasyFactory(FantasyOptions{})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		factory:  opts.Factory,
		timeout:  opts.Timeout,
		rps:      opts.RateLimit,
		breakers: NewBreakerRegistry(opts.Breaker),
		budget:   opts.Budget,
		logger:   opts.Logger,
		backends: make(map[uint64]Backend),
		limiters: make(map[council.ProviderKind]*rate.Limiter),
	}
}

// Invoke sends system followed by messages to the member's model. It never
// returns an error: every failure becomes a failed response.
func (g *Gateway) Invoke(ctx context.Context, member council.Member, messages []council.ChatMessage, system string) (resp council.ModelResponse) {
	start := time.Now()
	defer func() {
		resp.Duration = time.Since(start)
		if !resp.OK() {
			g.logger.Warn("Model call failed",
				"member", member.ID,
				"provider", member.Binding.Provider,
				"model", member.Binding.Model,
				"error", resp.Error)
		}
	}()

	prompt := make([]council.ChatMessage, 0, len(messages)+1)
	if system != "" {
		prompt = append(prompt, council.ChatMessage{Role: council.RoleSystem, Content: system})
	}
	prompt = append(prompt, messages...)

	if g.budget != nil {
		if err := g.budget.Allow(); err != nil {
			return council.Failed(member, err)
		}
	}

	key := Fingerprint(member.Binding)
	var completion Completion
	err := g.breakers.Get(key).Call(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		completion, err = g.call(ctx, member.Binding, key, prompt)
		return err
	})
	if g.budget != nil && !errors.Is(err, ErrCircuitOpen) {
		g.budget.Record(member.Binding.Provider, completion.Usage, err != nil)
	}
	if err != nil {
		return council.Failed(member, err)
	}
	return council.Succeeded(member, completion.Text, completion.Usage)
}

func (g *Gateway) call(ctx context.Context, b council.Binding, key uint64, prompt []council.ChatMessage) (Completion, error) {
	if err := b.Validate(); err != nil {
		return Completion{}, err
	}
	if limiter := g.limiter(b.Provider); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return Completion{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	backend, err := g.backend(ctx, b, key)
	if err != nil {
		return Completion{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	completion, err := backend.Generate(callCtx, prompt)
	if err != nil {
		return Completion{}, err
	}
	if strings.TrimSpace(completion.Text) == "" {
		return Completion{}, ErrEmptyResponse
	}
	return completion, nil
}

func (g *Gateway) backend(ctx context.Context, b council.Binding, key uint64) (Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if backend, ok := g.backends[key]; ok {
		return backend, nil
	}
	backend, err := g.factory(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", b.Provider, err)
	}
	g.backends[key] = backend
	return backend, nil
}

func (g *Gateway) limiter(kind council.ProviderKind) *rate.Limiter {
	if g.rps <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[kind]
	if !ok {
		burst := int(g.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(g.rps), burst)
		g.limiters[kind] = l
	}
	return l
}

// Budget returns the tracker, or nil when calls are not accounted.
func (g *Gateway) Budget() *budget.Tracker {
	return g.budget
}

// Breakers exposes the breaker registry for status reporting.
func (g *Gateway) Breakers() *BreakerRegistry {
	return g.breakers
}

// Fingerprint identifies a binding, credential included, without retaining it.
func Fingerprint(b council.Binding) uint64 {
	return xxh3.HashString(strings.Join([]string{
		string(b.Provider), b.Model, b.APIKey, b.BaseURL, b.APIVersion,
	}, "\x00"))
}
