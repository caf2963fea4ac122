package pipeline

import "fmt"

// Phase is the position of a turn in its forward-only state machine.
type Phase int

const (
	PhaseStage1Pending Phase = iota
	PhaseStage1Done
	PhaseStage2Pending
	PhaseStage2Done
	PhaseStage3Pending
	PhaseStage3Done
)

func (p Phase) String() string {
	switch p {
	case PhaseStage1Pending:
		return "STAGE1_PENDING"
	case PhaseStage1Done:
		return "STAGE1_DONE"
	case PhaseStage2Pending:
		return "STAGE2_PENDING"
	case PhaseStage2Done:
		return "STAGE2_DONE"
	case PhaseStage3Pending:
		return "STAGE3_PENDING"
	case PhaseStage3Done:
		return "STAGE3_DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether p is the final phase.
func (p Phase) Terminal() bool {
	return p == PhaseStage3Done
}

// phaseTracker enforces single-step forward transitions.
type phaseTracker struct {
	current Phase
}

func (t *phaseTracker) advance(to Phase) error {
	if t.current.Terminal() || to != t.current+1 {
		return fmt.Errorf("invalid phase transition %s -> %s", t.current, to)
	}
	t.current = to
	return nil
}
