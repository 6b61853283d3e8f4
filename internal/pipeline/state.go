package pipeline

import "fmt"

// StageState is the runtime state of one stage within a single run.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"
	StageSkipped   StageState = "SKIPPED"
	StageCached    StageState = "CACHED"
)

// IsTerminal reports whether the state is final for a run.
func IsTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the stage produced an output.
func IsSuccessful(s StageState) bool {
	return s == StageCompleted || s == StageCached
}

// runState holds per-stage states for one Run, indexed by declared position.
// It is owned by a single goroutine.
type runState []StageState

func newRunState(n int) runState {
	s := make(runState, n)
	for i := range s {
		s[i] = StagePending
	}
	return s
}

// transition moves stage i from one state to another, rejecting anything the
// lifecycle does not allow.
func (s runState) transition(i int, from, to StageState) error {
	if s[i] != from {
		return fmt.Errorf("invalid transition for stage %d: expected %s, got %s", i, from, s[i])
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for stage %d: %s -> %s", i, from, to)
	}
	s[i] = to
	return nil
}

func isAllowedTransition(from, to StageState) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageCached || to == StageSkipped
	case StageRunning:
		return to == StageCompleted || to == StageFailed
	default:
		return false
	}
}

// skipFrom marks every pending stage at or after i as SKIPPED and returns
// their indices in order.
func (s runState) skipFrom(i int) []int {
	var skipped []int
	for j := i; j < len(s); j++ {
		if s[j] == StagePending {
			s[j] = StageSkipped
			skipped = append(skipped, j)
		}
	}
	return skipped
}
