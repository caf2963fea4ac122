package config

import (
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/fanout"
	"github.com/rand/council/internal/store"
)

// DefaultAddr is where the HTTP server listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8001"

// NursingBasePrompt is shared by every default member and custom role.
const NursingBasePrompt = `You are a senior nursing educator in the UK healthcare system.
You are deeply knowledgeable about:
- NMC (Nursing and Midwifery Council) Standards of Proficiency for Registered Nurses
- FONS (Foundation of Nursing Studies) principles of person-centred care
- Evidence-based nursing practice and clinical reasoning
- Contemporary nursing education pedagogy

When reviewing educational content, consider:
1. Alignment with NMC proficiency standards
2. Clinical realism and applicability
3. Accessibility for diverse student learners
4. Person-centred language and principles`

const (
	academicPersona = `You are 'The Academic' on the Nursing Education Council.
Your role is to ensure all content aligns with:
- Current NMC proficiency standards
- Evidence-based practice guidelines (NICE, Cochrane)
- Academic rigor and assessment validity
Focus on: accuracy, standards alignment, and scholarly quality.`

	clinicalPersona = `You are 'The Clinical Mentor' on the Nursing Education Council.
Your role is to evaluate content from a clinical practice perspective:
- Is this realistic for a busy ward environment?
- Does it reflect real patient interactions?
- Will students be prepared for the realities of nursing?
Focus on: clinical relevance, practical applicability, and compassionate care.`

	studentPersona = `You are 'The Student Advocate' on the Nursing Education Council.
Your role is to represent the student voice:
- Is the language accessible and jargon-free?
- Is the content appropriately scaffolded for learners?
- Does it support diverse learning needs?
Focus on: clarity, inclusivity, and pedagogical effectiveness.`

	chairmanPersona = `You are the Head of Nursing Education, chairing this council.

Your role is to synthesize feedback from The Academic, The Clinical Mentor, and The Student Advocate
into a single, actionable set of recommendations.

When synthesizing:
1. Identify areas of consensus across all perspectives
2. Highlight any tensions or trade-offs between perspectives
3. Provide a balanced final recommendation
4. Suggest specific improvements with clear rationale

Always maintain a supportive, developmental tone. The goal is to improve educational content,
not to criticize the educator who created it.`
)

func openRouter(model string) council.Binding {
	return council.Binding{Provider: council.ProviderOpenRouter, Model: model}
}

// DefaultCouncilConfig returns the nursing education council: three members
// and a chairman, all reached through OpenRouter.
func DefaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		BasePrompt: NursingBasePrompt,
		Members: []MemberConfig{
			{ID: "academic", Name: "The Academic", Persona: academicPersona, Binding: openRouter("openai/gpt-4o")},
			{ID: "clinical", Name: "The Clinical Mentor", Persona: clinicalPersona, Binding: openRouter("anthropic/claude-sonnet-4")},
			{ID: "student", Name: "The Student Advocate", Persona: studentPersona, Binding: openRouter("google/gemini-2.5-pro-preview")},
		},
		Chairman: MemberConfig{
			ID:      "chairman",
			Name:    "Head of Nursing Education",
			Persona: chairmanPersona,
			Binding: openRouter("google/gemini-2.5-pro-preview"),
		},
		Title:  openRouter("google/gemini-2.5-flash"),
		Custom: openRouter("openai/gpt-4o"),
	}
}

// DefaultServerConfig listens on localhost and allows the usual frontend
// dev servers.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           DefaultAddr,
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
	}
}

// Default returns a complete configuration without a data directory.
func Default() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Storage: store.DefaultConfig(),
		Gateway: DefaultGatewayConfig(),
		Fanout:  fanout.DefaultConfig(),
		Council: DefaultCouncilConfig(),
	}
}
