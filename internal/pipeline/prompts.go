package pipeline

import (
	"fmt"
	"strings"

	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/ranking"
)

const (
	// PlaceholderSynthesis is the final answer when no member responded.
	PlaceholderSynthesis = "All council members failed to respond. Please try again."

	// ChairmanFailure is the final answer when the chairman call fails.
	ChairmanFailure = "Error: Unable to generate final synthesis."
)

// RankingPrompt asks a member to evaluate the anonymized responses and end
// with a parseable ranking.
func RankingPrompt(question string, assignment *council.LabelAssignment, stage1 map[string]council.ModelResponse) string {
	var responses strings.Builder
	for _, label := range assignment.Labels() {
		id, _ := assignment.Member(label)
		fmt.Fprintf(&responses, "%s:\n%s\n\n", label, stage1[id].Text())
	}

	example := assignment.Labels()
	if len(example) > 3 {
		example = example[:3]
	}
	var sample strings.Builder
	for i := len(example) - 1; i >= 0; i-- {
		fmt.Fprintf(&sample, "%d. %s\n", len(example)-i, example[i])
	}

	return fmt.Sprintf(`You are reviewing anonymized answers to the question below. Judge them on their merits only.

Question: %s

Here are the answers:

%sStart by assessing each answer in turn: what it gets right and where it falls short.

Then finish with the line "%s" followed by a numbered list ranking the answers from best to worst. Each entry must be only a number, a period and a label, for example:

%s
%sUse only the labels shown above and write nothing after the list.`,
		question,
		responses.String(),
		ranking.FinalRankingHeader,
		ranking.FinalRankingHeader,
		sample.String())
}

// ChairmanPrompt gives the chairman every stage one answer, every ranking
// and the aggregate order, with identities revealed.
func ChairmanPrompt(question string, stage1 []council.ModelResponse, stage2 []council.RankingSubmission, aggregate council.AggregateRanking) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Several council members answered a question independently and then ranked each other's anonymized answers.\n\nOriginal question: %s\n\n", question)

	b.WriteString("STAGE 1 - Individual answers:\n\n")
	for _, r := range stage1 {
		if !r.OK() {
			continue
		}
		fmt.Fprintf(&b, "%s (%s):\n%s\n\n", r.Name, r.Model, r.Text())
	}

	if len(stage2) > 0 {
		b.WriteString("STAGE 2 - Peer rankings:\n\n")
		for _, s := range stage2 {
			if s.Ranking == "" {
				continue
			}
			fmt.Fprintf(&b, "%s:\n%s\n\n", s.Name, s.Ranking)
		}
	}

	if len(aggregate) > 0 && aggregate[0].Votes > 0 {
		b.WriteString("Aggregate ranking, best first:\n")
		for i, r := range aggregate {
			if r.Votes == 0 {
				fmt.Fprintf(&b, "%d. %s (unranked)\n", i+1, r.Name)
				continue
			}
			fmt.Fprintf(&b, "%d. %s (average position %.2f over %d rankings)\n", i+1, r.Name, r.AverageRank, r.Votes)
		}
		b.WriteString("\n")
	}

	b.WriteString("As chairman, write one comprehensive answer to the original question. Draw on the individual answers, the peer rankings and where the members agree or disagree. Answer the question directly rather than describing the deliberation.")
	return b.String()
}

// TitlePrompt asks for a short conversation title.
func TitlePrompt(question string) string {
	return fmt.Sprintf(`Write a short title of 3 to 5 words summarizing the question below. Reply with the title only, without quotes or trailing punctuation.

Question: %s

Title:`, question)
}

// CleanTitle normalizes a generated title. Empty input yields the default.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	title = strings.Trim(title, "\"'`*# ")
	if title == "" {
		return council.DefaultTitle
	}
	if r := []rune(title); len(r) > 50 {
		title = string(r[:47]) + "..."
	}
	return title
}
