package doc

import "fmt"

// Status is the lifecycle state of a document within a single attempt.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusOCR            Status = "OCR"
	StatusClassifying    Status = "CLASSIFYING"
	StatusExtracting     Status = "EXTRACTING"
	StatusAssessing      Status = "ASSESSING"
	StatusPostprocessing Status = "POSTPROCESSING"
	StatusSummarizing    Status = "SUMMARIZING"
	StatusEvaluating     Status = "EVALUATING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
)

// statusRank orders statuses for the monotonicity check. Optional stages may
// be skipped, so a transition is legal when the rank strictly increases.
var statusRank = map[Status]int{
	StatusQueued:         0,
	StatusRunning:        1,
	StatusOCR:            2,
	StatusClassifying:    3,
	StatusExtracting:     4,
	StatusAssessing:      5,
	StatusPostprocessing: 6,
	StatusSummarizing:    7,
	StatusEvaluating:     8,
	StatusCompleted:      9,
	StatusFailed:         10,
}

// ActiveStatuses returns the non-terminal statuses in lifecycle order.
func ActiveStatuses() []Status {
	return []Status{
		StatusQueued,
		StatusRunning,
		StatusOCR,
		StatusClassifying,
		StatusExtracting,
		StatusAssessing,
		StatusPostprocessing,
		StatusSummarizing,
		StatusEvaluating,
	}
}

// Known reports whether s is a recognized status.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is absorbing within an attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a document may move from s to next.
// FAILED is reachable from any non-terminal state; otherwise the rank must
// strictly increase and COMPLETED is unreachable from QUEUED directly.
func (s Status) CanTransition(next Status) error {
	if !s.Known() || !next.Known() {
		return fmt.Errorf("unknown status in transition %s -> %s", s, next)
	}
	if s.Terminal() {
		return fmt.Errorf("status %s is terminal", s)
	}
	if next == StatusFailed {
		return nil
	}
	if statusRank[next] <= statusRank[s] {
		return fmt.Errorf("non-monotonic transition %s -> %s", s, next)
	}
	return nil
}
