package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Context and metadata keys written by the engine.
const (
	ContextClosureSuspected  = "closure_suspected"
	ContextClosureConfidence = "closure_confidence"
	ContextUserID            = "user_id"
	ContextDisplayName       = "display_name"

	MetaOpenerDirection = "opener_direction"
)

// Conversation is a bounded exchange between an end user and the business on
// one channel. Rows are never deleted; terminal rows are history.
type Conversation struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string            `gorm:"size:64;not null;index:idx_conversations_tenant_status,priority:1" json:"tenant_id"`
	FromAddress   string            `gorm:"size:255;not null" json:"from_address"`
	ToAddress     string            `gorm:"size:255;not null" json:"to_address"`
	ChannelType   string            `gorm:"size:32;not null" json:"channel_type"`
	SessionKey    string            `gorm:"size:64;not null;index" json:"session_key"`
	Status        Status            `gorm:"size:32;not null;index:idx_conversations_tenant_status,priority:2" json:"status"`
	Version       int64             `gorm:"not null;default:1" json:"version"`
	StartedAt     time.Time         `gorm:"not null" json:"started_at"`
	UpdatedAt     time.Time         `gorm:"not null;index;autoUpdateTime:false" json:"updated_at"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expires_at"`
	Context       datatypes.JSONMap `json:"context,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	PredecessorID *string           `gorm:"size:36" json:"predecessor_id,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// IsOpen reports whether the conversation can still receive messages.
func (c *Conversation) IsOpen() bool {
	return !c.Status.Terminal()
}

// IsExpired reports whether the hard expiry has passed at now.
func (c *Conversation) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsIdle reports whether no write has happened for longer than timeout.
func (c *Conversation) IsIdle(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.UpdatedAt) > timeout
}

// ContextFloat returns a numeric context value.
func (c *Conversation) ContextFloat(key string) (float64, bool) {
	if c.Context == nil {
		return 0, false
	}
	return toFloat(c.Context[key])
}

// toFloat reads a JSON column number. Rows loaded from the store carry
// json.Number; maps built in memory carry float64 or int.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// MetaString returns a string metadata value.
func (c *Conversation) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}
