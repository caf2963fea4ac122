package council

import (
	"errors"
	"time"
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a provider neutral prompt message.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage counts tokens consumed by one or more model calls.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ModelResponse is the outcome of one gateway call. Content is nil exactly when
// Error is set.
type ModelResponse struct {
	MemberID string        `json:"member_id"`
	Name     string        `json:"name,omitempty"`
	Model    string        `json:"model,omitempty"`
	Content  *string       `json:"content"`
	Error    string        `json:"error,omitempty"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
}

// Succeeded builds a successful response.
func Succeeded(m Member, text string, usage Usage) ModelResponse {
	return ModelResponse{
		MemberID: m.ID,
		Name:     m.DisplayName(),
		Model:    m.Binding.Model,
		Content:  &text,
		Usage:    usage,
	}
}

// Failed builds a failed response. A nil err still yields a failure.
func Failed(m Member, err error) ModelResponse {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return ModelResponse{
		MemberID: m.ID,
		Name:     m.DisplayName(),
		Model:    m.Binding.Model,
		Error:    err.Error(),
	}
}

// OK reports whether the call produced content.
func (r ModelResponse) OK() bool {
	return r.Content != nil && r.Error == ""
}

// Text returns the content or "" for failed responses.
func (r ModelResponse) Text() string {
	if r.Content == nil {
		return ""
	}
	return *r.Content
}

// RankingSubmission is one member's evaluation of the anonymized responses.
type RankingSubmission struct {
	MemberID string   `json:"member_id"`
	Name     string   `json:"name,omitempty"`
	Model    string   `json:"model,omitempty"`
	Ranking  string   `json:"ranking"`
	Parsed   []string `json:"parsed_ranking"`
	Error    string   `json:"error,omitempty"`
}

// Valid reports whether the submission contributes to aggregation.
func (s RankingSubmission) Valid() bool {
	return s.Error == "" && len(s.Parsed) > 0
}

// RankedMember is one entry of the aggregate order.
type RankedMember struct {
	MemberID    string  `json:"member_id"`
	Name        string  `json:"name,omitempty"`
	Label       string  `json:"label"`
	AverageRank float64 `json:"average_rank"`
	Votes       int     `json:"rankings_count"`
}

// AggregateRanking is a total order over the labelled members of a turn,
// best first.
type AggregateRanking []RankedMember

// MemberIDs returns the order as member ids.
func (a AggregateRanking) MemberIDs() []string {
	ids := make([]string, len(a))
	for i, r := range a {
		ids[i] = r.MemberID
	}
	return ids
}

// FinalSynthesis is the chairman's stage three answer.
type FinalSynthesis struct {
	MemberID    string        `json:"member_id"`
	Name        string        `json:"name,omitempty"`
	Model       string        `json:"model,omitempty"`
	Content     string        `json:"response"`
	Error       string        `json:"error,omitempty"`
	Placeholder bool          `json:"placeholder,omitempty"`
	Usage       Usage         `json:"usage"`
	Duration    time.Duration `json:"duration"`
}

// TurnMetadata carries the derived data of stage two plus accounting.
type TurnMetadata struct {
	LabelAssignment  *LabelAssignment `json:"label_to_model,omitempty"`
	AggregateRanking AggregateRanking `json:"aggregate_rankings"`
	Usage            Usage            `json:"usage"`
	StartedAt        time.Time        `json:"started_at"`
	Duration         time.Duration    `json:"duration"`
}

// TurnResult is everything one council turn produced.
type TurnResult struct {
	Stage1   []ModelResponse     `json:"stage1"`
	Stage2   []RankingSubmission `json:"stage2"`
	Stage3   FinalSynthesis      `json:"stage3"`
	Metadata TurnMetadata        `json:"metadata"`
}
