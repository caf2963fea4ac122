// Package ranking anonymizes stage one responses behind opaque labels,
// parses the free-text peer rankings that come back and folds them into a
// single order over the council.
package ranking

import (
	"math/rand/v2"

	"github.com/rand/council/internal/council"
)

// LabelPrefix starts every label shown to ranking models.
const LabelPrefix = "Response "

// Label returns the label for position i: A..Z, then AA, AB and so on.
func Label(i int) string {
	return LabelPrefix + letters(i)
}

func letters(i int) string {
	var buf []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		buf = append([]byte{byte('A' + (n-1)%26)}, buf...)
	}
	return string(buf)
}

// AssignLabels gives every successful response a distinct label. The
// responses are shuffled first so presentation order reveals nothing about
// fan-out order. A nil rng uses the process-wide source.
func AssignLabels(stage1 []council.ModelResponse, rng *rand.Rand) *council.LabelAssignment {
	ids := make([]string, 0, len(stage1))
	seen := make(map[string]bool, len(stage1))
	for _, r := range stage1 {
		if !r.OK() || seen[r.MemberID] {
			continue
		}
		seen[r.MemberID] = true
		ids = append(ids, r.MemberID)
	}

	swap := func(i, j int) { ids[i], ids[j] = ids[j], ids[i] }
	if rng != nil {
		rng.Shuffle(len(ids), swap)
	} else {
		rand.Shuffle(len(ids), swap)
	}

	labels := make([]string, len(ids))
	for i := range ids {
		labels[i] = Label(i)
	}
	// ids are unique and labels are sequential, so construction cannot fail.
	a, _ := council.NewLabelAssignment(labels, ids)
	return a
}
