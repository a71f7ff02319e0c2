package domain

type BatchState string

const (
	BatchStateSubmitted BatchState = "submitted"
	BatchStateRunning   BatchState = "running"
	BatchStateSucceeded BatchState = "succeeded"
	BatchStateFailed    BatchState = "failed"
	BatchStateCancelled BatchState = "cancelled"
	BatchStateTimedOut  BatchState = "timed_out"
)

// Terminal reports whether no further polling is needed.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateSucceeded, BatchStateFailed, BatchStateCancelled, BatchStateTimedOut:
		return true
	default:
		return false
	}
}

// ExtractionRequest pairs a correlation key with a rendered prompt. Message
// is kept locally and never sent to the provider.
type ExtractionRequest struct {
	Key     string
	Prompt  string
	Message RawMessage
}

// BatchJob is the local view of one provider inference job.
type BatchJob struct {
	Name        string
	Model       string
	State       BatchState
	ResultsFile string
	Error       string
}
