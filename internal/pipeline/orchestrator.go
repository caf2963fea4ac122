// Package pipeline runs a council turn: parallel member responses, anonymized
// peer ranking and a chairman synthesis, persisted through a store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/fanout"
	"github.com/rand/council/internal/ranking"
	"github.com/rand/council/internal/store"
)

// Errors surfaced as terminal turn failures.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrInvalidRequest       = errors.New("invalid request")
)

// Request is one user message submitted to a conversation.
type Request struct {
	ConversationID string
	Content        string

	// CustomRoles join this turn only, bound to the roster's custom binding.
	CustomRoles []council.CustomRole

	// Override rebinds every model call of the turn, chairman and title
	// included, to a caller supplied provider and credential.
	Override *council.Binding
}

// Options configures an Orchestrator.
type Options struct {
	// Executor runs fan-outs. Defaults to an unbounded executor over the invoker.
	Executor *fanout.Executor

	// Rand shuffles label assignment. Defaults to the process-wide source.
	Rand *rand.Rand

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Logger         *slog.Logger

	// EventBuffer sizes the streaming channel. Default: 16.
	EventBuffer int
}

// Orchestrator sequences council turns. It holds an immutable roster and is
// safe for concurrent turns on different conversations.
type Orchestrator struct {
	roster  council.Roster
	invoker fanout.Invoker
	exec    *fanout.Executor
	store   store.Store
	logger  *slog.Logger
	tel     *telemetry
	buffer  int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Orchestrator. The roster is copied.
func New(roster council.Roster, invoker fanout.Invoker, st store.Store, opts Options) (*Orchestrator, error) {
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}
	if invoker == nil || st == nil {
		return nil, errors.New("orchestrator requires an invoker and a store")
	}
	if opts.Executor == nil {
		opts.Executor = fanout.NewExecutor(invoker, fanout.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	return &Orchestrator{
		roster:  roster.Clone(),
		invoker: invoker,
		exec:    opts.Executor,
		store:   st,
		logger:  opts.Logger,
		tel:     newTelemetry(opts.TracerProvider, opts.MeterProvider),
		buffer:  opts.EventBuffer,
		rng:     opts.Rand,
	}, nil
}

// Roster returns a copy of the configured council.
func (o *Orchestrator) Roster() council.Roster {
	return o.roster.Clone()
}

// Run executes a turn to completion and returns its result. The turn is
// detached from ctx cancellation; each model call is bounded by its own
// timeout instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*council.TurnResult, error) {
	return o.execute(context.WithoutCancel(ctx), req, func(Event) {})
}

// Stream executes a turn and reports progress on the returned channel,
// which is closed after exactly one terminal event. If ctx ends, remaining
// events are dropped but the turn still runs to completion and is persisted.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, o.buffer)
	go func() {
		defer close(events)
		emit := func(e Event) {
			e.Timestamp = time.Now()
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		if _, err := o.execute(context.WithoutCancel(ctx), req, emit); err != nil {
			emit(Event{Type: EventError, Message: err.Error()})
			return
		}
		emit(Event{Type: EventComplete})
	}()
	return events
}

// execute runs one turn. Any returned error is terminal; model failures
// never are.
func (o *Orchestrator) execute(ctx context.Context, req Request, emit func(Event)) (result *council.TurnResult, err error) {
	ctx, span := o.tel.tracer.Start(ctx, "council.turn",
		trace.WithAttributes(attribute.String("conversation.id", req.ConversationID)))
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Council turn panicked", "conversation", req.ConversationID, "panic", r)
			result, err = nil, fmt.Errorf("internal error: %v", r)
		}
		o.tel.recordTurn(ctx, span, err)
		span.End()
	}()

	members, err := o.members(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := o.store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}
	firstMessage := len(conv.Messages) == 0
	history := conv.History()

	if err := o.store.AppendUserMessage(ctx, req.ConversationID, req.Content); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	var titleCh chan titleResult
	if firstMessage {
		titleCh = make(chan titleResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Warn("Title generation panicked", "panic", r)
					titleCh <- titleResult{title: council.DefaultTitle}
				}
			}()
			titleCh <- o.generateTitle(ctx, req)
		}()
	}

	turn := &council.TurnResult{Metadata: council.TurnMetadata{StartedAt: time.Now().UTC()}}
	var phase phaseTracker

	o.logger.Info("Council turn started",
		"conversation", req.ConversationID,
		"members", len(members),
		"custom_roles", len(req.CustomRoles))

	// Stage 1.
	emit(Event{Type: EventStage1Start})
	turn.Stage1 = o.stage1(ctx, members, history, req.Content)
	if err := phase.advance(PhaseStage1Done); err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage1Complete, Data: turn.Stage1})

	// Stage 2.
	if err := phase.advance(PhaseStage2Pending); err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage2Start})
	rankingResult, stage2, rankingUsage := o.stage2(ctx, members, turn.Stage1, req.Content)
	turn.Stage2 = stage2
	turn.Metadata.LabelAssignment = rankingResult.LabelAssignment
	turn.Metadata.AggregateRanking = rankingResult.AggregateRanking
	if err := phase.advance(PhaseStage2Done); err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage2Complete, Data: turn.Stage2, Metadata: &rankingResult})

	// Stage 3.
	if err := phase.advance(PhaseStage3Pending); err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage3Start})
	turn.Stage3 = o.stage3(ctx, req, turn)
	if err := phase.advance(PhaseStage3Done); err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage3Complete, Data: turn.Stage3})

	for _, r := range turn.Stage1 {
		turn.Metadata.Usage.Add(r.Usage)
	}
	turn.Metadata.Usage.Add(rankingUsage)
	turn.Metadata.Usage.Add(turn.Stage3.Usage)

	if titleCh != nil {
		title := <-titleCh
		turn.Metadata.Usage.Add(title.usage)
		if err := o.store.UpdateTitle(ctx, req.ConversationID, title.title); err != nil {
			return nil, fmt.Errorf("save title: %w", err)
		}
		emit(Event{Type: EventTitleComplete, Data: TitleData{Title: title.title}})
	}

	turn.Metadata.Duration = time.Since(turn.Metadata.StartedAt)
	if err := o.store.AppendAssistantTurn(ctx, req.ConversationID, turn); err != nil {
		return nil, fmt.Errorf("save assistant turn: %w", err)
	}

	o.logger.Info("Council turn complete",
		"conversation", req.ConversationID,
		"phase", phase.current,
		"duration", turn.Metadata.Duration,
		"tokens", turn.Metadata.Usage.TotalTokens)
	return turn, nil
}

// members builds the fan-out set for a turn: the roster followed by any
// custom roles, all rebound when the request carries an override.
func (o *Orchestrator) members(req Request) ([]council.Member, error) {
	if req.Override != nil {
		if err := req.Override.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	out := make([]council.Member, 0, len(o.roster.Members)+len(req.CustomRoles))
	seen := make(map[string]bool, cap(out))
	for _, m := range o.roster.Members {
		if req.Override != nil {
			m.Binding = *req.Override
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, role := range req.CustomRoles {
		if role.ID == "" || role.Name == "" {
			return nil, fmt.Errorf("%w: custom role needs an id and a name", ErrInvalidRequest)
		}
		if seen[role.ID] {
			return nil, fmt.Errorf("%w: duplicate member id %q", ErrInvalidRequest, role.ID)
		}
		seen[role.ID] = true
		binding := o.roster.Custom
		if req.Override != nil {
			binding = *req.Override
		}
		out = append(out, role.Member(o.roster.BasePrompt, binding))
	}
	if len(out) > council.MaxMembers {
		return nil, fmt.Errorf("%w: %d members exceed the limit of %d", ErrInvalidRequest, len(out), council.MaxMembers)
	}
	return out, nil
}

func (o *Orchestrator) stage1(ctx context.Context, members []council.Member, history []council.ChatMessage, question string) []council.ModelResponse {
	ctx, done := o.tel.startStage(ctx, "stage1", attribute.Int("council.members", len(members)))

	messages := council.AppendChat(append([]council.ChatMessage(nil), history...),
		council.ChatMessage{Role: council.RoleUser, Content: question})
	responses := o.exec.RunParallel(ctx, members, messages).Responses()

	failures := 0
	for _, r := range responses {
		if !r.OK() {
			failures++
		}
	}
	done(failures)
	return responses
}

// stage2 labels the successful responses and asks each successful member to
// rank them. Fewer than two labels leaves nothing to compare.
func (o *Orchestrator) stage2(ctx context.Context, members []council.Member, stage1 []council.ModelResponse, question string) (RankingResult, []council.RankingSubmission, council.Usage) {
	ctx, done := o.tel.startStage(ctx, "stage2")

	assignment := o.assignLabels(stage1)
	fanOut := make([]string, len(members))
	byID := make(map[string]council.Member, len(members))
	for i, m := range members {
		fanOut[i] = m.ID
		byID[m.ID] = m
	}

	submissions := []council.RankingSubmission{}
	var usage council.Usage
	failures := 0
	if assignment.Len() >= 2 {
		responses := make(map[string]council.ModelResponse, len(stage1))
		for _, r := range stage1 {
			responses[r.MemberID] = r
		}
		prompt := RankingPrompt(question, assignment, responses)
		messages := []council.ChatMessage{{Role: council.RoleUser, Content: prompt}}

		var calls []fanout.Call
		for _, r := range stage1 {
			if r.OK() {
				m := byID[r.MemberID]
				calls = append(calls, fanout.Call{Member: m, Messages: messages, System: m.Persona})
			}
		}
		result := o.exec.Run(ctx, calls)
		usage = result.Usage()
		for _, resp := range result.Responses() {
			sub := ranking.Submission(resp, assignment)
			if !sub.Valid() {
				failures++
				o.logger.Debug("Ranking excluded from aggregation", "member", sub.MemberID, "error", sub.Error)
			}
			submissions = append(submissions, sub)
		}
	}

	aggregate := ranking.Aggregate(submissions, assignment, fanOut)
	for i := range aggregate {
		aggregate[i].Name = byID[aggregate[i].MemberID].DisplayName()
	}
	done(failures)
	return RankingResult{LabelAssignment: assignment, AggregateRanking: aggregate}, submissions, usage
}

func (o *Orchestrator) assignLabels(stage1 []council.ModelResponse) *council.LabelAssignment {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return ranking.AssignLabels(stage1, o.rng)
}

func (o *Orchestrator) stage3(ctx context.Context, req Request, turn *council.TurnResult) council.FinalSynthesis {
	ctx, done := o.tel.startStage(ctx, "stage3")

	chairman := o.roster.Chairman
	if req.Override != nil {
		chairman.Binding = *req.Override
	}
	final := council.FinalSynthesis{
		MemberID: chairman.ID,
		Name:     chairman.DisplayName(),
		Model:    chairman.Binding.Model,
	}

	anySucceeded := false
	for _, r := range turn.Stage1 {
		if r.OK() {
			anySucceeded = true
			break
		}
	}
	if !anySucceeded {
		final.Content = PlaceholderSynthesis
		final.Placeholder = true
		done(0)
		return final
	}

	prompt := ChairmanPrompt(req.Content, turn.Stage1, turn.Stage2, turn.Metadata.AggregateRanking)
	resp := o.invoker.Invoke(ctx, chairman,
		[]council.ChatMessage{{Role: council.RoleUser, Content: prompt}}, chairman.Persona)

	final.Usage = resp.Usage
	final.Duration = resp.Duration
	if !resp.OK() {
		final.Content = ChairmanFailure
		final.Error = resp.Error
		done(1)
		return final
	}
	final.Content = resp.Text()
	done(0)
	return final
}

type titleResult struct {
	title string
	usage council.Usage
}

func (o *Orchestrator) generateTitle(ctx context.Context, req Request) titleResult {
	ctx, done := o.tel.startStage(ctx, "title")

	binding := o.roster.Title
	if req.Override != nil {
		binding = *req.Override
	}
	member := council.Member{ID: "title", Name: "Title", Binding: binding}
	resp := o.invoker.Invoke(ctx, member,
		[]council.ChatMessage{{Role: council.RoleUser, Content: TitlePrompt(req.Content)}}, "")
	if !resp.OK() {
		done(1)
		return titleResult{title: council.DefaultTitle, usage: resp.Usage}
	}
	done(0)
	return titleResult{title: CleanTitle(resp.Text()), usage: resp.Usage}
}
