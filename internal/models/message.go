package models

import (
	"time"

	"gorm.io/datatypes"
)

// Direction of a message relative to the business.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// SenderRole identifies who authored a message.
type SenderRole string

const (
	SenderEndUser        SenderRole = "end_user"
	SenderAutomatedAgent SenderRole = "automated_agent"
	SenderHumanAgent     SenderRole = "human_agent"
	SenderSystem         SenderRole = "system"
)

func (r SenderRole) Valid() bool {
	switch r {
	case SenderEndUser, SenderAutomatedAgent, SenderHumanAgent, SenderSystem:
		return true
	}
	return false
}

// Message metadata keys.
const (
	MetaCloseConversation = "close_conversation"
	MetaFollowupJobID     = "followup_job_id"
	MetaDeliveryJobID     = "delivery_job_id"
	MetaDeliveredAt       = "delivered_at"
	MetaProviderMessageID = "provider_message_id"
	MetaClosureScore      = "closure_score"
)

// Message is a single chat event. The body is immutable; only metadata is
// enriched after insert, plus the one-time attach of ConversationID.
type Message struct {
	ID             string            `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string            `gorm:"size:64;not null;uniqueIndex:idx_messages_tenant_token,priority:1" json:"tenant_id"`
	ExternalToken  string            `gorm:"size:255;not null;uniqueIndex:idx_messages_tenant_token,priority:2" json:"external_token"`
	ConversationID *string           `gorm:"size:36;index" json:"conversation_id,omitempty"`
	Direction      Direction         `gorm:"size:16;not null" json:"direction"`
	SenderRole     SenderRole        `gorm:"size:32;not null" json:"sender_role"`
	Body           string            `gorm:"type:text" json:"body"`
	CorrelationID  string            `gorm:"size:64" json:"correlation_id,omitempty"`
	Timestamp      time.Time         `gorm:"not null" json:"timestamp"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	Synthetic      bool              `gorm:"not null;default:false" json:"synthetic"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Attached reports whether the message belongs to a conversation yet.
func (m *Message) Attached() bool {
	return m.ConversationID != nil && *m.ConversationID != ""
}

func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaFloat returns a numeric metadata value.
func (m *Message) MetaFloat(key string) (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	return toFloat(m.Metadata[key])
}

// MetaBool reads a boolean metadata flag, accepting "true" strings from
// gateways that stringify everything.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	switch v := m.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
