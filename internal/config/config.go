// Package config loads, validates and describes the council configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/fanout"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/store"
)

// ErrNoMembers is returned when the council has nobody to ask.
var ErrNoMembers = errors.New("council has no members")

// Config is the complete application configuration.
type Config struct {
	Options Options       `json:"options" yaml:"options" toml:"options" jsonschema:"description=General options"`
	Server  ServerConfig  `json:"server" yaml:"server" toml:"server" jsonschema:"description=HTTP server settings"`
	Storage store.Config  `json:"storage" yaml:"storage" toml:"storage" jsonschema:"description=Conversation storage"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway" toml:"gateway" jsonschema:"description=Model gateway settings"`
	Fanout  fanout.Config `json:"fanout" yaml:"fanout" toml:"fanout" jsonschema:"description=Parallel call settings"`
	Council CouncilConfig `json:"council" yaml:"council" toml:"council" jsonschema:"description=Council members and chairman"`

	source string
}

// Options holds process level settings.
type Options struct {
	// DataDirectory holds conversations and the default config file.
	DataDirectory string `json:"data_directory,omitempty" yaml:"data_directory,omitempty" toml:"data_directory" jsonschema:"description=Directory for conversations and state,example=~/.council"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty" toml:"debug" jsonschema:"description=Enable debug logging"`

	// LogFile switches logging to a rotating JSON file.
	LogFile string `json:"log_file,omitempty" yaml:"log_file,omitempty" toml:"log_file" jsonschema:"description=Write JSON logs to this file instead of stderr"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr" jsonschema:"description=Listen address,default=127.0.0.1:8001"`

	// AllowedOrigins is checked for CORS and websocket upgrades. Empty allows
	// same-origin requests only.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins" jsonschema:"description=Origins allowed to call the API"`
}

// GatewayConfig configures model calls.
type GatewayConfig struct {
	// Timeout bounds each model call.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout" jsonschema:"description=Per-call timeout,default=120s,example=90s"`

	// RateLimit is calls per second per provider. Zero disables limiting.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit" jsonschema:"description=Calls per second per provider (0 = unlimited),minimum=0"`

	Breaker gateway.BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty" toml:"breaker" jsonschema:"description=Circuit breaker settings"`

	MaxOutputTokens int64 `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" toml:"max_output_tokens" jsonschema:"description=Completion token cap (0 = provider default),minimum=0"`

	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature" jsonschema:"description=Sampling temperature,minimum=0,maximum=2"`

	// Budget caps the tokens and calls one process may spend.
	Budget budget.Limits `json:"budget,omitempty" yaml:"budget,omitempty" toml:"budget" jsonschema:"description=Per-process token budget"`
}

// DefaultGatewayConfig returns a two minute timeout, no rate limit, the
// default breaker and an unlimited budget.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeout: gateway.DefaultTimeout,
		Breaker: gateway.DefaultBreakerConfig(),
		Budget:  budget.DefaultLimits(),
	}
}

// CouncilConfig describes who sits on the council.
type CouncilConfig struct {
	// BasePrompt prefixes every member persona and custom role.
	BasePrompt string `json:"base_prompt,omitempty" yaml:"base_prompt,omitempty" toml:"base_prompt" jsonschema:"description=Shared system prompt for every member"`

	Members  []MemberConfig `json:"members" yaml:"members" toml:"members" jsonschema:"description=Council members in fan-out order"`
	Chairman MemberConfig   `json:"chairman" yaml:"chairman" toml:"chairman" jsonschema:"description=Member that writes the final synthesis"`

	// Title names new conversations.
	Title council.Binding `json:"title" yaml:"title" toml:"title" jsonschema:"description=Model used for conversation titles"`

	// Custom is used by user defined roles.
	Custom council.Binding `json:"custom" yaml:"custom" toml:"custom" jsonschema:"description=Model used for custom roles"`
}

// MemberConfig is one configured member.
type MemberConfig struct {
	ID      string `json:"id" yaml:"id" toml:"id" jsonschema:"description=Stable member id,example=academic"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty" toml:"name" jsonschema:"description=Display name,example=The Academic"`
	Persona string `json:"persona,omitempty" yaml:"persona,omitempty" toml:"persona" jsonschema:"description=Role prompt appended to the base prompt"`

	council.Binding `yaml:",inline"`
}

// Source returns the file the configuration was read from, if any.
func (c *Config) Source() string {
	return c.source
}

// Validate reports every problem that would stop the council from running.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Council.Members) == 0 {
		errs = append(errs, ErrNoMembers)
	}
	if len(c.Council.Members) > council.MaxMembers {
		errs = append(errs, fmt.Errorf("council has %d members, at most %d are allowed", len(c.Council.Members), council.MaxMembers))
	}
	seen := make(map[string]bool, len(c.Council.Members))
	for i, m := range c.Council.Members {
		if strings.TrimSpace(m.ID) == "" {
			errs = append(errs, fmt.Errorf("council.members[%d]: missing id", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("council.members[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if err := m.Binding.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("council.members[%d] (%s): %w", i, m.ID, err))
		}
	}
	if strings.TrimSpace(c.Council.Chairman.ID) == "" {
		errs = append(errs, errors.New("council.chairman: missing id"))
	}
	if err := c.Council.Chairman.Binding.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("council.chairman: %w", err))
	}
	if err := c.Council.Title.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("council.title: %w", err))
	}
	if err := c.Council.Custom.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("council.custom: %w", err))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if c.Gateway.Timeout < 0 {
		errs = append(errs, errors.New("gateway.timeout must not be negative"))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must not be negative"))
	}
	if err := c.Gateway.Budget.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gateway.budget: %w", err))
	}
	if c.Fanout.MaxParallel < 0 {
		errs = append(errs, errors.New("fanout.max_parallel must not be negative"))
	}
	return errors.Join(errs...)
}

// Warnings lists bindings that will fail at call time because no API key
// is configured or present in the environment.
func (c *Config) Warnings(getenv func(string) string) []string {
	var warnings []string
	check := func(where string, b council.Binding) {
		if b.APIKey != "" || b.Provider == council.ProviderOpenAICompat {
			return
		}
		env := gateway.APIKeyEnv(b.Provider)
		if env == "" || getenv(env) != "" {
			return
		}
		warnings = append(warnings, fmt.Sprintf("%s uses %s but neither api_key nor %s is set", where, b.Provider, env))
	}
	for _, m := range c.Council.Members {
		check("member "+m.ID, m.Binding)
	}
	check("chairman", c.Council.Chairman.Binding)
	check("title", c.Council.Title)
	check("custom roles", c.Council.Custom)
	return warnings
}

// Roster builds the roster handed to the orchestrator. Member personas are
// layered on the base prompt.
func (c *Config) Roster() council.Roster {
	roster := council.Roster{
		Members:    make([]council.Member, len(c.Council.Members)),
		Chairman:   c.Council.Chairman.member(""),
		Title:      c.Council.Title,
		Custom:     c.Council.Custom,
		BasePrompt: c.Council.BasePrompt,
	}
	for i, m := range c.Council.Members {
		roster.Members[i] = m.member(c.Council.BasePrompt)
	}
	return roster
}

func (m MemberConfig) member(base string) council.Member {
	persona := m.Persona
	if base != "" {
		persona = strings.TrimSpace(base + "\n\n" + m.Persona)
	}
	return council.Member{
		ID:      m.ID,
		Name:    m.Name,
		Persona: persona,
		Binding: m.Binding,
	}
}

// GatewayOptions converts the gateway section into gateway options.
func (c *Config) GatewayOptions() (gateway.Options, gateway.FantasyOptions) {
	return gateway.Options{
			Timeout:   c.Gateway.Timeout,
			RateLimit: c.Gateway.RateLimit,
			Breaker:   c.Gateway.Breaker,
		}, gateway.FantasyOptions{
			MaxOutputTokens: c.Gateway.MaxOutputTokens,
			Temperature:     c.Gateway.Temperature,
		}
}

// Redacted returns a copy of c with API keys masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Council.Members = append([]MemberConfig(nil), c.Council.Members...)
	mask := func(b *council.Binding) {
		if b.APIKey == "" {
			return
		}
		if len(b.APIKey) > 8 {
			b.APIKey = b.APIKey[:4] + "..." + b.APIKey[len(b.APIKey)-2:]
			return
		}
		b.APIKey = "***"
	}
	for i := range out.Council.Members {
		mask(&out.Council.Members[i].Binding)
	}
	mask(&out.Council.Chairman.Binding)
	mask(&out.Council.Title)
	mask(&out.Council.Custom)
	return &out
}
