package models

import "fmt"

// ProcessingStatus is the ingestion state of a file.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

func ParseProcessingStatus(s string) (ProcessingStatus, error) {
	switch st := ProcessingStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown processing status %q", s)
}

func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allStatuses = []ProcessingStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// CanTransitionTo encodes the ingestion state machine. Moving back to pending
// is the retry action and is allowed from every state. A pending file fails
// without being claimed when its job could not be dispatched.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	switch next {
	case StatusPending:
		return s.valid()
	case StatusProcessing:
		return s == StatusPending
	case StatusCompleted:
		return s == StatusProcessing
	case StatusFailed:
		return s == StatusPending || s == StatusProcessing
	}
	return false
}

// TransitionSources lists the states that may move to next, for use in
// conditional updates.
func TransitionSources(next ProcessingStatus) []string {
	var out []string
	for _, s := range allStatuses {
		if s.CanTransitionTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func (s ProcessingStatus) valid() bool {
	_, err := ParseProcessingStatus(string(s))
	return err == nil
}
