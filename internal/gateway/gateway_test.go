package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/council"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	calls   atomic.Int32
	respond func(ctx context.Context, prompt []council.ChatMessage) (Completion, error)
}

func (f *fakeBackend) Generate(ctx context.Context, prompt []council.ChatMessage) (Completion, error) {
	f.calls.Add(1)
	return f.respond(ctx, prompt)
}

func fixedFactory(b Backend) Factory {
	return func(context.Context, council.Binding) (Backend, error) { return b, nil }
}

func testMember() council.Member {
	return council.Member{
		ID:      "clinical",
		Name:    "The Clinical Instructor",
		Binding: council.Binding{Provider: council.ProviderOpenRouter, Model: "openai/gpt-4o", APIKey: "k"},
	}
}

func TestInvoke_Success(t *testing.T) {
	var seen []council.ChatMessage
	backend := &fakeBackend{respond: func(_ context.Context, prompt []council.ChatMessage) (Completion, error) {
		seen = prompt
		return Completion{Text: "answer", Usage: council.Usage{TotalTokens: 12}}, nil
	}}
	g := New(Options{Factory: fixedFactory(backend)})

	resp := g.Invoke(context.Background(), testMember(),
		[]council.ChatMessage{{Role: council.RoleUser, Content: "q"}}, "persona")

	require.True(t, resp.OK())
	assert.Equal(t, "answer", resp.Text())
	assert.Equal(t, int64(12), resp.Usage.TotalTokens)
	assert.Equal(t, "clinical", resp.MemberID)
	require.Len(t, seen, 2)
	assert.Equal(t, council.RoleSystem, seen[0].Role)
	assert.Equal(t, "persona", seen[0].Content)
}

func TestInvoke_FailuresBecomeResponses(t *testing.T) {
	tests := []struct {
		name    string
		respond func(context.Context, []council.ChatMessage) (Completion, error)
		want    string
	}{
		{
			name: "provider error",
			respond: func(context.Context, []council.ChatMessage) (Completion, error) {
				return Completion{}, errors.New("503 upstream")
			},
			want: "503 upstream",
		},
		{
			name: "empty text",
			respond: func(context.Context, []council.ChatMessage) (Completion, error) {
				return Completion{Text: "   "}, nil
			},
			want: ErrEmptyResponse.Error(),
		},
		{
			name: "panic",
			respond: func(context.Context, []council.ChatMessage) (Completion, error) {
				panic("boom")
			},
			want: "panic: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{Factory: fixedFactory(&fakeBackend{respond: tt.respond})})
			resp := g.Invoke(context.Background(), testMember(), nil, "")
			assert.False(t, resp.OK())
			assert.Nil(t, resp.Content)
			assert.Contains(t, resp.Error, tt.want)
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	backend := &fakeBackend{respond: func(ctx context.Context, _ []council.ChatMessage) (Completion, error) {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}}
	g := New(Options{Factory: fixedFactory(backend), Timeout: 20 * time.Millisecond})

	start := time.Now()
	resp := g.Invoke(context.Background(), testMember(), nil, "")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvoke_FactoryErrorAndInvalidBinding(t *testing.T) {
	g := New(Options{Factory: func(context.Context, council.Binding) (Backend, error) {
		return nil, errors.New("no key")
	}})
	resp := g.Invoke(context.Background(), testMember(), nil, "")
	assert.Contains(t, resp.Error, "no key")

	bad := testMember()
	bad.Binding.Model = ""
	resp = g.Invoke(context.Background(), bad, nil, "")
	assert.Contains(t, resp.Error, "no model")
}

func TestInvoke_CachesBackendPerBinding(t *testing.T) {
	var built atomic.Int32
	g := New(Options{Factory: func(context.Context, council.Binding) (Backend, error) {
		built.Add(1)
		return &fakeBackend{respond: func(context.Context, []council.ChatMessage) (Completion, error) {
			return Completion{Text: "ok"}, nil
		}}, nil
	}})

	m := testMember()
	g.Invoke(context.Background(), m, nil, "")
	g.Invoke(context.Background(), m, nil, "")
	assert.Equal(t, int32(1), built.Load())

	m.Binding.APIKey = "other"
	g.Invoke(context.Background(), m, nil, "")
	assert.Equal(t, int32(2), built.Load())
}

func TestInvoke_BreakerShortCircuits(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, []council.ChatMessage) (Completion, error) {
		return Completion{}, errors.New("down")
	}}
	g := New(Options{
		Factory: fixedFactory(backend),
		Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour},
	})

	for i := 0; i < 2; i++ {
		g.Invoke(context.Background(), testMember(), nil, "")
	}
	resp := g.Invoke(context.Background(), testMember(), nil, "")
	assert.Equal(t, ErrCircuitOpen.Error(), resp.Error)
	assert.Equal(t, int32(2), backend.calls.Load())
	assert.Equal(t, 1, g.Breakers().Open())
}

func TestInvoke_BudgetAccountsAndRefuses(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, []council.ChatMessage) (Completion, error) {
		return Completion{Text: "answer", Usage: council.Usage{InputTokens: 60, OutputTokens: 10, TotalTokens: 70}}, nil
	}}
	tracker := budget.NewTracker(budget.Limits{MaxInputTokens: 100})
	g := New(Options{Factory: fixedFactory(backend), Budget: tracker})
	require.Same(t, tracker, g.Budget())

	require.True(t, g.Invoke(context.Background(), testMember(), nil, "").OK())
	require.True(t, g.Invoke(context.Background(), testMember(), nil, "").OK())

	resp := g.Invoke(context.Background(), testMember(), nil, "")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, budget.ErrExhausted.Error())
	assert.Equal(t, int32(2), backend.calls.Load())

	state := tracker.State()
	assert.Equal(t, 2, state.Calls)
	assert.Equal(t, int64(120), state.InputTokens)
	assert.Equal(t, int64(120), state.ByProvider[council.ProviderOpenRouter].InputTokens)
}

func TestInvoke_RateLimitHonoursCancellation(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, []council.ChatMessage) (Completion, error) {
		return Completion{Text: "ok"}, nil
	}}
	g := New(Options{Factory: fixedFactory(backend), RateLimit: 0.001})

	assert.True(t, g.Invoke(context.Background(), testMember(), nil, "").OK())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp := g.Invoke(ctx, testMember(), nil, "")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "rate limit")
}

func TestFingerprint(t *testing.T) {
	a := council.Binding{Provider: council.ProviderOpenAI, Model: "gpt-4o", APIKey: "x"}
	b := a
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	b.APIKey = "y"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestToFantasyPrompt(t *testing.T) {
	prompt := toFantasyPrompt([]council.ChatMessage{
		{Role: council.RoleSystem, Content: "s"},
		{Role: council.RoleUser, Content: "u"},
		{Role: council.RoleAssistant, Content: "a"},
	})
	require.Len(t, prompt, 3)
	assert.Equal(t, "system", string(prompt[0].Role))
	assert.Equal(t, "user", string(prompt[1].Role))
	assert.Equal(t, "assistant", string(prompt[2].Role))
}

func TestNewProvider_MissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, _, err := newProvider(council.Binding{Provider: council.ProviderAnthropic, Model: "claude-sonnet-4-5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestNewProvider_DeepSeekStripsPrefix(t *testing.T) {
	_, model, err := newProvider(council.Binding{
		Provider: council.ProviderDeepSeek,
		Model:    "deepseek/deepseek-chat",
		APIKey:   "k",
	})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", model)
}
