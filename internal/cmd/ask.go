package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	askCmd.Flags().StringP("conversation", "C", "", "Continue an existing conversation")
	askCmd.Flags().Bool("json", false, "Print every event as a JSON line")
	askCmd.Flags().BoolP("quiet", "q", false, "Print only the final answer")
	askCmd.Flags().StringArray("role", nil, "Add a custom role for this turn (\"Name: description\", repeatable)")

	askCmd.Flags().String("provider", "", "Route every call of this turn to a provider")
	askCmd.Flags().String("model", "", "Model used with --provider")
	askCmd.Flags().String("api-key", "", "API key used with --provider")
	askCmd.Flags().String("base-url", "", "Endpoint used with --provider")
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the council a question",
	Long:  "Run one council turn from the terminal and print the chairman's answer",
	Example: heredoc.Doc(`
		# Ask a question in a new conversation
		council ask "What are the early signs of sepsis?"

		# Pipe context in and continue a conversation
		cat notes.md | council ask -C 3f1c... "Summarize these for a student"

		# Add a one-off role to the council
		council ask --role "Pharmacist: focuses on medication safety" "Explain insulin sliding scales"

		# Route the whole turn through a local OpenAI compatible server
		council ask --provider openai-compat --model llama3 --base-url http://localhost:11434/v1 "Explain SBAR"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		question, err := MaybePrependStdin(cmd.InOrStdin(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if strings.TrimSpace(question) == "" {
			return errors.New("no question given")
		}

		roleFlags, _ := cmd.Flags().GetStringArray("role")
		roles, err := parseRoles(roleFlags)
		if err != nil {
			return err
		}
		override, err := overrideFromFlags(cmd)
		if err != nil {
			return err
		}

		a, cleanup, err := setupApp(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		convID, _ := cmd.Flags().GetString("conversation")
		if convID == "" {
			conv, err := a.Store.Create(ctx, store.NewID())
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			convID = conv.ID
		} else if err := store.ValidateID(convID); err != nil {
			return err
		}

		events := a.Orchestrator.Stream(ctx, pipeline.Request{
			ConversationID: convID,
			Content:        question,
			CustomRoles:    roles,
			Override:       override,
		})

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return streamJSON(cmd.OutOrStdout(), convID, events)
		}
		quiet, _ := cmd.Flags().GetBool("quiet")
		r := &askRenderer{out: cmd.OutOrStdout(), progress: cmd.ErrOrStderr(), quiet: quiet}
		if err := r.render(convID, events); err != nil {
			return err
		}
		if tracker := a.Gateway.Budget(); tracker != nil {
			r.status("%s %s", mutedStyle.Render("Usage:"), budget.NewReport(tracker).Summary())
		}
		return nil
	},
}

// parseRoles turns "Name: description" flags into custom roles.
func parseRoles(specs []string) ([]council.CustomRole, error) {
	roles := make([]council.CustomRole, 0, len(specs))
	for i, s := range specs {
		name, desc, ok := strings.Cut(s, ":")
		name, desc = strings.TrimSpace(name), strings.TrimSpace(desc)
		if !ok || name == "" || desc == "" {
			return nil, fmt.Errorf("role %q: expected \"Name: description\"", s)
		}
		roles = append(roles, council.CustomRole{
			ID:          fmt.Sprintf("custom_%d", i+1),
			Name:        name,
			Description: desc,
		})
	}
	return roles, nil
}

// overrideFromFlags builds the per-turn binding override, if any.
func overrideFromFlags(cmd *cobra.Command) (*council.Binding, error) {
	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	apiKey, _ := cmd.Flags().GetString("api-key")
	baseURL, _ := cmd.Flags().GetString("base-url")

	if provider == "" {
		if model != "" || apiKey != "" || baseURL != "" {
			return nil, errors.New("--model, --api-key and --base-url require --provider")
		}
		return nil, nil
	}
	kind, err := council.ParseProviderKind(provider)
	if err != nil {
		return nil, err
	}
	b := council.Binding{Provider: kind, Model: model, APIKey: apiKey, BaseURL: baseURL}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("override: %w", err)
	}
	return &b, nil
}

// streamJSON writes one JSON object per event, preceded by the
// conversation id.
func streamJSON(w io.Writer, convID string, events <-chan pipeline.Event) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(map[string]string{"type": "conversation", "id": convID}); err != nil {
		return err
	}
	var turnErr error
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if ev.Type == pipeline.EventError {
			turnErr = fmt.Errorf("council turn failed: %s", ev.Message)
		}
	}
	return turnErr
}

// askRenderer prints progress to one writer and results to another.
type askRenderer struct {
	out      io.Writer
	progress io.Writer
	quiet    bool
}

func (r *askRenderer) status(format string, args ...any) {
	if r.quiet {
		return
	}
	fmt.Fprintf(r.progress, format+"\n", args...)
}

func (r *askRenderer) render(convID string, events <-chan pipeline.Event) error {
	var turnErr error
	for ev := range events {
		switch ev.Type {
		case pipeline.EventStage1Start:
			r.status("%s collecting responses", stageStyle.Render("Stage 1"))
		case pipeline.EventStage1Complete:
			responses, _ := ev.Data.([]council.ModelResponse)
			for _, resp := range responses {
				if resp.OK() {
					r.status("  %s %s %s", okStyle.Render("✓"), resp.Name, mutedStyle.Render(formatDuration(resp.Duration)))
				} else {
					r.status("  %s %s %s", failStyle.Render("✗"), resp.Name, mutedStyle.Render(resp.Error))
				}
			}
		case pipeline.EventStage2Start:
			r.status("%s peer ranking", stageStyle.Render("Stage 2"))
		case pipeline.EventStage2Complete:
			if ev.Metadata != nil {
				r.ranking(ev.Metadata.AggregateRanking)
			}
		case pipeline.EventStage3Start:
			r.status("%s chairman synthesis", stageStyle.Render("Stage 3"))
		case pipeline.EventStage3Complete:
			final, _ := ev.Data.(council.FinalSynthesis)
			r.answer(final)
		case pipeline.EventTitleComplete:
			if t, ok := ev.Data.(pipeline.TitleData); ok {
				r.status("%s %s", mutedStyle.Render("Title:"), t.Title)
			}
		case pipeline.EventComplete:
			r.status("%s %s", mutedStyle.Render("Conversation:"), convID)
		case pipeline.EventError:
			turnErr = fmt.Errorf("council turn failed: %s", ev.Message)
		}
	}
	return turnErr
}

func (r *askRenderer) ranking(agg council.AggregateRanking) {
	if r.quiet || len(agg) == 0 {
		return
	}
	fmt.Fprintln(r.out, headerStyle.Render("Aggregate ranking"))
	lines := make([]string, len(agg))
	for i, m := range agg {
		lines[i] = fmt.Sprintf("%d. %s %s", i+1, m.Name, mutedStyle.Render(fmt.Sprintf("(avg %.2f, %d votes)", m.AverageRank, m.Votes)))
	}
	fmt.Fprintln(r.out, rankingStyle.Render(strings.Join(lines, "\n")))
	fmt.Fprintln(r.out)
}

func (r *askRenderer) answer(final council.FinalSynthesis) {
	if r.quiet {
		fmt.Fprintln(r.out, final.Content)
		return
	}
	header := final.Name
	if final.Model != "" {
		header += " " + mutedStyle.Render("("+final.Model+")")
	}
	fmt.Fprintln(r.out, headerStyle.Render(header))
	fmt.Fprintln(r.out, answerStyle.Render(final.Content))
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}
