package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/azure"
	"charm.land/fantasy/providers/google"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"
	"charm.land/fantasy/providers/openrouter"

	"github.com/rand/council/internal/council"
)

// DeepSeekBaseURL is the OpenAI compatible endpoint used for deepseek bindings.
const DeepSeekBaseURL = "https://api.deepseek.com"

// FantasyOptions tunes every call made through fantasy-backed providers.
type FantasyOptions struct {
	// MaxOutputTokens caps each completion. Zero leaves the provider default.
	MaxOutputTokens int64

	// Temperature is passed through when set.
	Temperature *float64
}

// NewFantasyFactory returns a Factory that reaches every provider kind
// through charm.land/fantasy.
func NewFantasyFactory(opts FantasyOptions) Factory {
	return func(ctx context.Context, b council.Binding) (Backend, error) {
		provider, modelID, err := newProvider(b)
		if err != nil {
			return nil, err
		}
		lm, err := provider.LanguageModel(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("get language model %s: %w", modelID, err)
		}
		return &fantasyBackend{binding: b, model: lm, opts: opts}, nil
	}
}

// apiKeyEnv names the environment variable consulted when a binding carries
// no key of its own.
var apiKeyEnv = map[council.ProviderKind]string{
	council.ProviderOpenAI:       "OPENAI_API_KEY",
	council.ProviderAnthropic:    "ANTHROPIC_API_KEY",
	council.ProviderGoogle:       "GEMINI_API_KEY",
	council.ProviderOpenRouter:   "OPENROUTER_API_KEY",
	council.ProviderDeepSeek:     "DEEPSEEK_API_KEY",
	council.ProviderAzure:        "AZURE_OPENAI_API_KEY",
	council.ProviderOpenAICompat: "OPENAI_COMPAT_API_KEY",
}

// APIKeyEnv returns the fallback environment variable for a provider.
func APIKeyEnv(kind council.ProviderKind) string {
	return apiKeyEnv[kind]
}

func resolveAPIKey(b council.Binding) (string, error) {
	if b.APIKey != "" {
		return b.APIKey, nil
	}
	env := apiKeyEnv[b.Provider]
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	if b.Provider == council.ProviderOpenAICompat {
		// Local servers frequently run without auth.
		return "", nil
	}
	return "", fmt.Errorf("%s API key not provided (set %s)", b.Provider, env)
}

func newProvider(b council.Binding) (fantasy.Provider, string, error) {
	if err := b.Validate(); err != nil {
		return nil, "", err
	}
	apiKey, err := resolveAPIKey(b)
	if err != nil {
		return nil, "", err
	}

	modelID := b.Model
	var provider fantasy.Provider

	switch b.Provider {
	case council.ProviderOpenAI:
		opts := []openai.Option{openai.WithAPIKey(apiKey)}
		if b.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.BaseURL))
		}
		provider, err = openai.New(opts...)

	case council.ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithAPIKey(apiKey)}
		if b.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(b.BaseURL))
		}
		provider, err = anthropic.New(opts...)

	case council.ProviderGoogle:
		opts := []google.Option{google.WithGeminiAPIKey(apiKey)}
		if b.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(b.BaseURL))
		}
		provider, err = google.New(opts...)

	case council.ProviderOpenRouter:
		provider, err = openrouter.New(openrouter.WithAPIKey(apiKey))

	case council.ProviderDeepSeek:
		baseURL := b.BaseURL
		if baseURL == "" {
			baseURL = DeepSeekBaseURL
		}
		modelID = strings.TrimPrefix(modelID, "deepseek/")
		provider, err = openaicompat.New(
			openaicompat.WithBaseURL(baseURL),
			openaicompat.WithAPIKey(apiKey),
		)

	case council.ProviderAzure:
		opts := []azure.Option{
			azure.WithBaseURL(b.BaseURL),
			azure.WithAPIKey(apiKey),
		}
		if b.APIVersion != "" {
			opts = append(opts, azure.WithAPIVersion(b.APIVersion))
		}
		provider, err = azure.New(opts...)

	case council.ProviderOpenAICompat:
		opts := []openaicompat.Option{openaicompat.WithBaseURL(b.BaseURL)}
		if apiKey != "" {
			opts = append(opts, openaicompat.WithAPIKey(apiKey))
		}
		provider, err = openaicompat.New(opts...)

	default:
		return nil, "", fmt.Errorf("unsupported provider %q", b.Provider)
	}
	if err != nil {
		return nil, "", fmt.Errorf("create %s provider: %w", b.Provider, err)
	}
	return provider, modelID, nil
}

type fantasyBackend struct {
	binding council.Binding
	model   fantasy.LanguageModel
	opts    FantasyOptions
}

func (f *fantasyBackend) Generate(ctx context.Context, prompt []council.ChatMessage) (Completion, error) {
	call := fantasy.Call{Prompt: toFantasyPrompt(prompt)}
	if f.opts.MaxOutputTokens > 0 {
		maxTokens := f.opts.MaxOutputTokens
		call.MaxOutputTokens = &maxTokens
	}
	if f.opts.Temperature != nil {
		temperature := *f.opts.Temperature
		call.Temperature = &temperature
	}

	resp, err := f.model.Generate(ctx, call)
	if err != nil {
		return Completion{}, fmt.Errorf("%s generate: %w", f.binding.Provider, err)
	}
	return Completion{
		Text: resp.Content.Text(),
		Usage: council.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func toFantasyPrompt(messages []council.ChatMessage) fantasy.Prompt {
	prompt := make(fantasy.Prompt, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case council.RoleSystem:
			prompt = append(prompt, fantasy.NewSystemMessage(m.Content))
		case council.RoleAssistant:
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleAssistant,
				Content: []fantasy.MessagePart{fantasy.TextPart{Text: m.Content}},
			})
		default:
			prompt = append(prompt, fantasy.NewUserMessage(m.Content))
		}
	}
	return prompt
}
