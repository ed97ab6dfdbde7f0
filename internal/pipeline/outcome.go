package pipeline

// Reason explains why a job ended without sending a reply
type Reason string

const (
	ReasonDebounce               Reason = "debounce"
	ReasonNoCredits              Reason = "no_credits"
	ReasonEmptyResponse          Reason = "empty_response"
	ReasonPausedDuringGeneration Reason = "ai_paused_during_generation"
)

// Outcome is how a job resolved: either a delivered reply or a skip with a reason.
// Skips are expected exits, not errors.
type Outcome struct {
	Success bool   `json:"success,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	// MessageID is the persisted assistant message, also set for a paused skip
	MessageID string `json:"messageId,omitempty"`
}

func delivered(messageID string) Outcome {
	return Outcome{Success: true, MessageID: messageID}
}

func skipped(reason Reason) Outcome {
	return Outcome{Skipped: true, Reason: reason}
}
