// Package orchestrator drives one admitted event through quota check,
// extraction, summarization, and reply.
package orchestrator

// State is the run's position in the pipeline. Terminal states are
// Replied, Denied, ExtractionFailed, and SummarizationFailed.
type State string

const (
	StateReceived    State = "received"
	StateAuthorized  State = "authorized"
	StateExtracting  State = "extracting"
	StateSummarizing State = "summarizing"

	StateReplied             State = "replied"
	StateDenied              State = "denied"
	StateExtractionFailed    State = "extraction_failed"
	StateSummarizationFailed State = "summarization_failed"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateReplied, StateDenied, StateExtractionFailed, StateSummarizationFailed:
		return true
	}
	return false
}
