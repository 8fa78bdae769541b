package repository

import (
	"context"
	"maps"
	"slices"

	"conversation-engine/backend/internal/models"
	apperrors "conversation-engine/backend/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository stores chat messages. Insert relies on the unique
// (tenant_id, external_token) index to detect redelivered events.
type MessageRepository interface {
	Insert(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	GetByToken(ctx context.Context, tenantID, token string) (*models.Message, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	Count(ctx context.Context, conversationID string) (int64, error)
	MergeMetadata(ctx context.Context, id string, patch map[string]any) (*models.Message, error)
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// Insert stores msg. A redelivered event yields a DuplicateEvent error and
// leaves the stored row untouched.
func (r *GormMessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	err := r.db.WithContext(ctx).Create(msg).Error
	if isUniqueViolation(err) {
		return apperrors.DuplicateEvent(msg.TenantID, msg.ExternalToken)
	}
	return wrap("insert message", "message", msg.ID, err)
}

func (r *GormMessageRepository) Get(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&msg).Error; err != nil {
		return nil, wrap("get message", "message", id, err)
	}
	return &msg, nil
}

func (r *GormMessageRepository) GetByToken(ctx context.Context, tenantID, token string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_token = ?", tenantID, token).
		Take(&msg).Error
	if err != nil {
		return nil, wrap("get message by token", "message", token, err)
	}
	return &msg, nil
}

// ListRecent returns up to limit of the newest messages in insertion order.
func (r *GormMessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, wrap("list messages", "conversation", conversationID, err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (r *GormMessageRepository) Count(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, wrap("count messages", "conversation", conversationID, err)
}

// MergeMetadata enriches a stored message. Body and identity fields are never
// rewritten.
func (r *GormMessageRepository) MergeMetadata(ctx context.Context, id string, patch map[string]any) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&msg).Error; err != nil {
			return err
		}
		merged := datatypes.JSONMap{}
		maps.Copy(merged, msg.Metadata)
		maps.Copy(merged, patch)
		if err := tx.Model(&models.Message{}).Where("id = ?", id).Update("metadata", merged).Error; err != nil {
			return err
		}
		msg.Metadata = merged
		return nil
	})
	if err != nil {
		return nil, wrap("merge metadata", "message", id, err)
	}
	return &msg, nil
}
