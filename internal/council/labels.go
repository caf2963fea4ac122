package council

import (
	"encoding/json"
	"fmt"
	"sort"
)

// LabelAssignment is a bijection between opaque labels ("Response A") and
// member ids for a single turn.
type LabelAssignment struct {
	labels   []string
	byLabel  map[string]string
	byMember map[string]string
}

// NewLabelAssignment pairs labels[i] with memberIDs[i]. Labels are kept in the
// given order, which is the order responses are presented to rankers.
func NewLabelAssignment(labels, memberIDs []string) (*LabelAssignment, error) {
	if len(labels) != len(memberIDs) {
		return nil, fmt.Errorf("label assignment: %d labels for %d members", len(labels), len(memberIDs))
	}
	a := &LabelAssignment{
		labels:   make([]string, 0, len(labels)),
		byLabel:  make(map[string]string, len(labels)),
		byMember: make(map[string]string, len(labels)),
	}
	for i, label := range labels {
		id := memberIDs[i]
		if _, dup := a.byLabel[label]; dup {
			return nil, fmt.Errorf("label assignment: duplicate label %q", label)
		}
		if _, dup := a.byMember[id]; dup {
			return nil, fmt.Errorf("label assignment: member %q labelled twice", id)
		}
		a.labels = append(a.labels, label)
		a.byLabel[label] = id
		a.byMember[id] = label
	}
	return a, nil
}

// Len returns the number of labelled members.
func (a *LabelAssignment) Len() int {
	if a == nil {
		return 0
	}
	return len(a.labels)
}

// Labels returns the labels in presentation order.
func (a *LabelAssignment) Labels() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.labels...)
}

// Member resolves a label to its member id.
func (a *LabelAssignment) Member(label string) (string, bool) {
	if a == nil {
		return "", false
	}
	id, ok := a.byLabel[label]
	return id, ok
}

// Label resolves a member id to its label.
func (a *LabelAssignment) Label(memberID string) (string, bool) {
	if a == nil {
		return "", false
	}
	label, ok := a.byMember[memberID]
	return label, ok
}

// MarshalJSON encodes the assignment as a label to member id object.
func (a *LabelAssignment) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(a.byLabel)
}

// UnmarshalJSON restores an assignment. Presentation order is recovered by
// label ordering (shorter labels first, then lexical).
func (a *LabelAssignment) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	labels := make([]string, 0, len(raw))
	for label := range raw {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) < len(labels[j])
		}
		return labels[i] < labels[j]
	})
	ids := make([]string, len(labels))
	for i, label := range labels {
		ids[i] = raw[label]
	}
	restored, err := NewLabelAssignment(labels, ids)
	if err != nil {
		return err
	}
	*a = *restored
	return nil
}
