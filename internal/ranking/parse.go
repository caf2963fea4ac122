package ranking

import (
	"regexp"

	"github.com/rand/council/internal/council"
)

// FinalRankingHeader introduces the machine readable part of a ranking.
const FinalRankingHeader = "FINAL RANKING:"

var (
	numberedLabel = regexp.MustCompile(`(?:^|[\s,;])\d+[.)]\s*\**\s*(Response [A-Z]+)\b`)
	anyLabel      = regexp.MustCompile(`Response [A-Z]+\b`)
	header        = regexp.MustCompile(`(?i)final\s+ranking\s*:`)
)

// Parse extracts an ordered list of recognized labels from a ranking
// response. The section after the last final ranking header is preferred, with
// numbered entries taking precedence over bare mentions; without a usable
// section the whole text is scanned. Unknown labels are discarded and repeats
// keep their first position. An empty result means the text was unparsable.
func Parse(text string, assignment *council.LabelAssignment) []string {
	if locs := header.FindAllStringIndex(text, -1); len(locs) > 0 {
		section := text[locs[len(locs)-1][1]:]

		var found []string
		for _, m := range numberedLabel.FindAllStringSubmatch(section, -1) {
			found = append(found, m[1])
		}
		if parsed := recognized(found, assignment); len(parsed) > 0 {
			return parsed
		}
		if parsed := recognized(anyLabel.FindAllString(section, -1), assignment); len(parsed) > 0 {
			return parsed
		}
	}
	return recognized(anyLabel.FindAllString(text, -1), assignment)
}

func recognized(labels []string, assignment *council.LabelAssignment) []string {
	var out []string
	seen := make(map[string]bool, len(labels))
	for _, label := range labels {
		if seen[label] {
			continue
		}
		if _, ok := assignment.Member(label); !ok {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

// Submission turns a ranker's stage two response into a submission. Failed
// calls keep their error and parse to nothing.
func Submission(resp council.ModelResponse, assignment *council.LabelAssignment) council.RankingSubmission {
	sub := council.RankingSubmission{
		MemberID: resp.MemberID,
		Name:     resp.Name,
		Model:    resp.Model,
		Error:    resp.Error,
		Parsed:   []string{},
	}
	if !resp.OK() {
		return sub
	}
	sub.Ranking = resp.Text()
	if parsed := Parse(sub.Ranking, assignment); parsed != nil {
		sub.Parsed = parsed
	}
	return sub
}
