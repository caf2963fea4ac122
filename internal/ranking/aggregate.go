package ranking

import (
	"sort"

	"github.com/rand/council/internal/council"
)

// Aggregate folds valid submissions into one order over the labelled members.
//
// Members are ordered by ascending mean position across the submissions that
// ranked them. Ties, and members no valid submission mentioned, fall back to
// fan-out order; unmentioned members always sort after ranked ones. With no
// valid submissions the result is the labelled members in fan-out order.
func Aggregate(submissions []council.RankingSubmission, assignment *council.LabelAssignment, fanOut []string) council.AggregateRanking {
	members := rankedMembers(assignment, fanOut)
	if len(members) == 0 {
		return council.AggregateRanking{}
	}

	order := make(map[string]int, len(members))
	for i, id := range members {
		order[id] = i
	}

	sums := make(map[string]int, len(members))
	votes := make(map[string]int, len(members))
	for _, sub := range submissions {
		if !sub.Valid() {
			continue
		}
		for pos, label := range sub.Parsed {
			id, ok := assignment.Member(label)
			if !ok {
				continue
			}
			sums[id] += pos + 1
			votes[id]++
		}
	}

	out := make(council.AggregateRanking, len(members))
	for i, id := range members {
		label, _ := assignment.Label(id)
		entry := council.RankedMember{MemberID: id, Label: label, Votes: votes[id]}
		if entry.Votes > 0 {
			entry.AverageRank = float64(sums[id]) / float64(entry.Votes)
		}
		out[i] = entry
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Votes > 0) != (b.Votes > 0) {
			return a.Votes > 0
		}
		if a.Votes > 0 && a.AverageRank != b.AverageRank {
			return a.AverageRank < b.AverageRank
		}
		return order[a.MemberID] < order[b.MemberID]
	})
	return out
}

// rankedMembers lists labelled members in fan-out order. Labelled ids missing
// from fanOut follow in presentation order.
func rankedMembers(assignment *council.LabelAssignment, fanOut []string) []string {
	out := make([]string, 0, assignment.Len())
	seen := make(map[string]bool, assignment.Len())
	for _, id := range fanOut {
		if _, ok := assignment.Label(id); ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, label := range assignment.Labels() {
		id, _ := assignment.Member(label)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
