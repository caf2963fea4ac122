package pipeline

import (
	"time"

	"github.com/rand/council/internal/council"
)

// EventType indicates the type of progress event.
type EventType string

const (
	// EventStage1Start signals that member responses are being collected.
	EventStage1Start EventType = "stage1_start"

	// EventStage1Complete carries every stage one response.
	EventStage1Complete EventType = "stage1_complete"

	// EventStage2Start signals that peer ranking has begun.
	EventStage2Start EventType = "stage2_start"

	// EventStage2Complete carries the ranking submissions and metadata.
	EventStage2Complete EventType = "stage2_complete"

	// EventStage3Start signals that the chairman is synthesizing.
	EventStage3Start EventType = "stage3_start"

	// EventStage3Complete carries the final synthesis.
	EventStage3Complete EventType = "stage3_complete"

	// EventTitleComplete carries a generated conversation title.
	EventTitleComplete EventType = "title_complete"

	// EventComplete signals the turn was persisted.
	EventComplete EventType = "complete"

	// EventError signals the turn ended on an unrecoverable fault.
	EventError EventType = "error"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one step of a streamed turn.
type Event struct {
	Type      EventType      `json:"type"`
	Data      any            `json:"data,omitempty"`
	Metadata  *RankingResult `json:"metadata,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"-"`
}

// RankingResult is the derived data of stage two.
type RankingResult struct {
	LabelAssignment  *council.LabelAssignment `json:"label_to_model"`
	AggregateRanking council.AggregateRanking `json:"aggregate_rankings"`
}

// TitleData is the payload of a title event.
type TitleData struct {
	Title string `json:"title"`
}
