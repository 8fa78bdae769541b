package repository

import (
	"fmt"

	"conversation-engine/backend/internal/models"

	"gorm.io/gorm"
)

// openSessionIndex keeps at most one non-terminal conversation per session.
const openSessionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_session
ON conversations (tenant_id, session_key)
WHERE status IN ('PENDING', 'PROGRESS')`

// Migrate creates or upgrades the conversation schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Conversation{}, &models.Message{}, &models.StateTransition{}); err != nil {
		return fmt.Errorf("repository: automigrate: %w", err)
	}

	indexes := []string{
		openSessionIndex,
		"CREATE INDEX IF NOT EXISTS idx_history_conversation_created ON conversation_state_history (conversation_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages (conversation_id, id)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("repository: create index: %w", err)
		}
	}
	return nil
}
