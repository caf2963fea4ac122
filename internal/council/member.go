// Package council holds the domain types shared by every stage of a council
// deliberation: members and their model bindings, per-stage results, the
// assembled turn and the persisted conversation.
package council

import (
	"fmt"
	"strings"
)

// ProviderKind identifies the API family used to reach a model.
type ProviderKind string

const (
	ProviderOpenAI       ProviderKind = "openai"
	ProviderAnthropic    ProviderKind = "anthropic"
	ProviderGoogle       ProviderKind = "google"
	ProviderOpenRouter   ProviderKind = "openrouter"
	ProviderDeepSeek     ProviderKind = "deepseek"
	ProviderAzure        ProviderKind = "azure"
	ProviderOpenAICompat ProviderKind = "openai-compat"
)

// ProviderKinds lists every supported provider in display order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderGoogle,
		ProviderOpenRouter,
		ProviderDeepSeek,
		ProviderAzure,
		ProviderOpenAICompat,
	}
}

// Valid reports whether k is a known provider.
func (k ProviderKind) Valid() bool {
	for _, known := range ProviderKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// NeedsBaseURL reports whether the provider cannot work without an explicit endpoint.
func (k ProviderKind) NeedsBaseURL() bool {
	return k == ProviderAzure || k == ProviderOpenAICompat
}

// ParseProviderKind normalizes a user supplied provider name.
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "gemini":
		return ProviderGoogle, nil
	case "openaicompat", "openai_compat":
		return ProviderOpenAICompat, nil
	}
	if !k.Valid() {
		return "", fmt.Errorf("unsupported provider %q", s)
	}
	return k, nil
}

// Binding selects the provider, model and credential used for one member.
type Binding struct {
	Provider   ProviderKind `json:"provider" yaml:"provider" toml:"provider" jsonschema:"description=Provider family,enum=openai,enum=anthropic,enum=google,enum=openrouter,enum=deepseek,enum=azure,enum=openai-compat"`
	Model      string       `json:"model" yaml:"model" toml:"model" jsonschema:"description=Provider model identifier,example=openai/gpt-4o"`
	APIKey     string       `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key" jsonschema:"description=API key or $ENV reference"`
	BaseURL    string       `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url" jsonschema:"description=Override the provider endpoint"`
	APIVersion string       `json:"api_version,omitempty" yaml:"api_version,omitempty" toml:"api_version" jsonschema:"description=API version (azure only)"`
}

// Validate checks that the binding can be turned into a backend.
func (b Binding) Validate() error {
	if !b.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", b.Provider)
	}
	if strings.TrimSpace(b.Model) == "" {
		return fmt.Errorf("%s binding has no model", b.Provider)
	}
	if b.Provider.NeedsBaseURL() && strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("%s binding requires base_url", b.Provider)
	}
	return nil
}

// String renders the binding without its credential.
func (b Binding) String() string {
	return string(b.Provider) + "/" + b.Model
}

// Member is one participant of a council turn. Members are values; a turn
// works on its own copy and never mutates them.
type Member struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Persona string  `json:"-"`
	Custom  bool    `json:"custom,omitempty"`
	Binding Binding `json:"-"`
}

// DisplayName falls back to the member id when no name was configured.
func (m Member) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Roster is the immutable council configuration handed to the orchestrator.
type Roster struct {
	Members  []Member
	Chairman Member

	// Title is the binding used to name new conversations.
	Title Binding

	// Custom is the binding given to user defined roles.
	Custom Binding

	// BasePrompt prefixes every custom role persona.
	BasePrompt string
}

// Validate checks that the roster can run a turn.
func (r Roster) Validate() error {
	if len(r.Members) == 0 {
		return fmt.Errorf("council has no members")
	}
	if len(r.Members) > MaxMembers {
		return fmt.Errorf("council has %d members, at most %d are allowed", len(r.Members), MaxMembers)
	}
	seen := make(map[string]bool, len(r.Members))
	for _, m := range r.Members {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("council member has no id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate council member %q", m.ID)
		}
		seen[m.ID] = true
		if err := m.Binding.Validate(); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	if err := r.Chairman.Binding.Validate(); err != nil {
		return fmt.Errorf("chairman: %w", err)
	}
	return nil
}

// MaxMembers bounds the fan-out set of one turn, custom roles included.
const MaxMembers = 26

// MemberIDs returns the ids of the configured members in fan-out order.
func (r Roster) MemberIDs() []string {
	ids := make([]string, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.ID
	}
	return ids
}

// Clone returns a deep copy so callers cannot alias the member slice.
func (r Roster) Clone() Roster {
	out := r
	out.Members = append([]Member(nil), r.Members...)
	return out
}

// CustomRole is a user defined persona added to a single turn.
type CustomRole struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon,omitempty"`
}

// Member converts the role into a turn member bound to b.
func (c CustomRole) Member(basePrompt string, b Binding) Member {
	persona := fmt.Sprintf("You are '%s' on the council.\n%s", c.Name, c.Description)
	if basePrompt != "" {
		persona = basePrompt + "\n\n" + persona
	}
	return Member{
		ID:      c.ID,
		Name:    c.Name,
		Persona: persona,
		Custom:  true,
		Binding: b,
	}
}
