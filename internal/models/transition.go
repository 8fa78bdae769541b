package models

import (
	"fmt"
	"time"
)

// ActorKind classifies who requested a transition.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorOperator ActorKind = "operator"
	ActorUser     ActorKind = "user"
	ActorAgent    ActorKind = "agent"
	ActorSweeper  ActorKind = "sweeper"
)

// Actor is recorded on every history row.
type Actor struct {
	Kind ActorKind
	ID   string
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// CanForce reports whether the actor may bypass the transition table.
func (a Actor) CanForce() bool {
	return a.Kind == ActorOperator || a.Kind == ActorSystem
}

// StateTransition is an append-only history row, written in the same
// transaction as the conversation update it records.
type StateTransition struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index" json:"conversation_id"`
	FromStatus     Status    `gorm:"size:32;not null" json:"from_status"`
	ToStatus       Status    `gorm:"size:32;not null" json:"to_status"`
	Reason         string    `gorm:"size:255;not null" json:"reason"`
	Actor          string    `gorm:"size:128;not null" json:"actor"`
	Version        int64     `gorm:"not null" json:"version"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false" json:"created_at"`

	Conversation *Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:RESTRICT" json:"-"`
}

func (StateTransition) TableName() string { return "conversation_state_history" }
