package queue

import "time"

const (
	TopicSweepIdle        = "sweep_idle"
	TopicSweepExpired     = "sweep_expired"
	TopicGenerateResponse = "generate_response"
	TopicDeliverOutbound  = "deliver_outbound"
)

// Topics lists every topic the engine produces.
var Topics = []string{TopicSweepIdle, TopicSweepExpired, TopicGenerateResponse, TopicDeliverOutbound}

// SweepPayload is produced by the scheduler. BatchSize is a hint; workers cap it.
type SweepPayload struct {
	BatchSize   int       `json:"batch_size"`
	ScheduledAt time.Time `json:"scheduled_at"`
	// Continuation counts how many times a full batch re-enqueued itself.
	Continuation int `json:"continuation,omitempty"`
}

// MessagePayload addresses a stored message for follow-up work.
type MessagePayload struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}
