package ranking

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/rand/council/internal/council"
	"pgregory.net/rapid"
)

// Property-based tests for label assignment and aggregation.

func drawStage1(t *rapid.T) ([]council.ModelResponse, []string) {
	n := rapid.IntRange(0, 30).Draw(t, "members")
	stage1 := make([]council.ModelResponse, n)
	fanOut := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		fanOut[i] = id
		if rapid.Bool().Draw(t, "ok") {
			stage1[i] = ok(id)
		} else {
			stage1[i] = failed(id)
		}
	}
	return stage1, fanOut
}

// TestProperty_LabelsAreBijection verifies every successful member gets
// exactly one unique label and every label maps back to one member.
func TestProperty_LabelsAreBijection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stage1, _ := drawStage1(t)
		seed := rapid.Uint64().Draw(t, "seed")
		a := AssignLabels(stage1, rand.New(rand.NewPCG(seed, seed)))

		successes := 0
		for _, r := range stage1 {
			label, labelled := a.Label(r.MemberID)
			if r.OK() {
				successes++
				if !labelled {
					t.Fatalf("successful member %s has no label", r.MemberID)
				}
				back, _ := a.Member(label)
				if back != r.MemberID {
					t.Fatalf("label %s maps to %s, want %s", label, back, r.MemberID)
				}
			} else if labelled {
				t.Fatalf("failed member %s was labelled %s", r.MemberID, label)
			}
		}
		if a.Len() != successes {
			t.Fatalf("got %d labels for %d successes", a.Len(), successes)
		}
		seen := map[string]bool{}
		for _, label := range a.Labels() {
			if seen[label] {
				t.Fatalf("duplicate label %s", label)
			}
			seen[label] = true
		}
	})
}

// TestProperty_AggregateIsPermutation verifies the aggregate order contains
// each labelled member exactly once, whatever the submissions say.
func TestProperty_AggregateIsPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stage1, fanOut := drawStage1(t)
		a := AssignLabels(stage1, rand.New(rand.NewPCG(1, 1)))
		labels := a.Labels()

		var subs []council.RankingSubmission
		numSubs := rapid.IntRange(0, 10).Draw(t, "submissions")
		for i := 0; i < numSubs; i++ {
			var parsed []string
			if len(labels) > 0 {
				parsed = rapid.SliceOfDistinct(rapid.SampledFrom(labels), rapid.ID[string]).Draw(t, "parsed")
			}
			subs = append(subs, council.RankingSubmission{MemberID: fmt.Sprintf("m%d", i), Parsed: parsed})
		}

		got := Aggregate(subs, a, fanOut)
		if len(got) != a.Len() {
			t.Fatalf("aggregate has %d entries, want %d", len(got), a.Len())
		}
		seen := map[string]bool{}
		for _, r := range got {
			if seen[r.MemberID] {
				t.Fatalf("duplicate member %s", r.MemberID)
			}
			if _, ok := a.Label(r.MemberID); !ok {
				t.Fatalf("unlabelled member %s in aggregate", r.MemberID)
			}
			seen[r.MemberID] = true
		}
	})
}

// TestProperty_NoValidSubmissionsIsFanOutOrder verifies graceful degradation.
func TestProperty_NoValidSubmissionsIsFanOutOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stage1, fanOut := drawStage1(t)
		a := AssignLabels(stage1, rand.New(rand.NewPCG(2, 2)))

		subs := []council.RankingSubmission{
			{MemberID: "x", Error: "timeout"},
			{MemberID: "y", Ranking: "no labels here", Parsed: []string{}},
		}
		got := Aggregate(subs, a, fanOut)

		var want []string
		for _, r := range stage1 {
			if r.OK() {
				want = append(want, r.MemberID)
			}
		}
		ids := got.MemberIDs()
		if len(ids) != len(want) {
			t.Fatalf("got %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("got %v, want %v", ids, want)
			}
		}
	})
}

// TestProperty_ParseOnlyReturnsKnownLabels verifies arbitrary text never
// yields unknown or repeated labels.
func TestProperty_ParseOnlyReturnsKnownLabels(t *testing.T) {
	a, _ := council.NewLabelAssignment([]string{"Response A", "Response B"}, []string{"x", "y"})
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		parsed := Parse(text, a)
		seen := map[string]bool{}
		for _, label := range parsed {
			if _, ok := a.Member(label); !ok {
				t.Fatalf("unknown label %q", label)
			}
			if seen[label] {
				t.Fatalf("repeated label %q", label)
			}
			seen[label] = true
		}
	})
}
