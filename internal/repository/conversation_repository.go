package repository

import (
	"context"
	"errors"
	"maps"
	"time"

	"conversation-engine/backend/internal/models"
	apperrors "conversation-engine/backend/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationRepository persists conversations and their transition history.
// Every mutating method is guarded by the version the caller observed and
// increments it by one on success.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	FindOpenBySessionKey(ctx context.Context, tenantID, sessionKey string) (*models.Conversation, error)
	ApplyTransition(ctx context.Context, conv *models.Conversation, record *models.StateTransition) error
	AttachMessage(ctx context.Context, conv *models.Conversation, messageID string, at time.Time) error
	MergeContext(ctx context.Context, conv *models.Conversation, patch map[string]any) error
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Conversation, error)
	History(ctx context.Context, conversationID string) ([]models.StateTransition, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.Version == 0 {
		conv.Version = 1
	}
	err := r.db.WithContext(ctx).Create(conv).Error
	if isUniqueViolation(err) {
		return ErrOpenConversationExists
	}
	return wrap("create conversation", "conversation", conv.ID, err)
}

func (r *GormConversationRepository) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error; err != nil {
		return nil, wrap("get conversation", "conversation", id, err)
	}
	return &conv, nil
}

// FindOpenBySessionKey returns the non-terminal conversation for the session,
// or a NotFound error.
func (r *GormConversationRepository) FindOpenBySessionKey(ctx context.Context, tenantID, sessionKey string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND session_key = ? AND status IN ?", tenantID, sessionKey, models.OpenStatuses).
		Take(&conv).Error
	if err != nil {
		return nil, wrap("find open conversation", "open conversation for session", sessionKey, err)
	}
	return &conv, nil
}

// guardedUpdate applies updates only if the row is still at conv.Version.
func guardedUpdate(tx *gorm.DB, conv *models.Conversation, updates map[string]any) error {
	updates["version"] = conv.Version + 1
	res := tx.Model(&models.Conversation{}).
		Where("id = ? AND version = ?", conv.ID, conv.Version).
		Updates(updates)
	if res.Error != nil {
		return wrap("update conversation", "conversation", conv.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.StaleVersion(conv.ID, conv.Version)
	}
	return nil
}

// ApplyTransition moves conv to record.ToStatus and appends record in one
// transaction. On success conv reflects the stored row.
func (r *GormConversationRepository) ApplyTransition(ctx context.Context, conv *models.Conversation, record *models.StateTransition) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := guardedUpdate(tx, conv, map[string]any{
			"status":     record.ToStatus,
			"updated_at": record.CreatedAt,
		}); err != nil {
			return err
		}
		record.ConversationID = conv.ID
		record.Version = conv.Version + 1
		if err := tx.Create(record).Error; err != nil {
			return wrap("append history", "conversation", conv.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	conv.Status = record.ToStatus
	conv.Version = record.Version
	conv.UpdatedAt = record.CreatedAt
	return nil
}

// AttachMessage links an unattached message to conv and bumps its activity
// timestamp. ErrMessageAttached means another writer attached it first.
func (r *GormConversationRepository) AttachMessage(ctx context.Context, conv *models.Conversation, messageID string, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := guardedUpdate(tx, conv, map[string]any{"updated_at": at}); err != nil {
			return err
		}
		res := tx.Model(&models.Message{}).
			Where("id = ? AND conversation_id IS NULL", messageID).
			Update("conversation_id", conv.ID)
		if res.Error != nil {
			return wrap("attach message", "message", messageID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrMessageAttached
		}
		return nil
	})
	if err != nil {
		return err
	}

	conv.Version++
	conv.UpdatedAt = at
	return nil
}

// MergeContext writes patch into the conversation context map.
func (r *GormConversationRepository) MergeContext(ctx context.Context, conv *models.Conversation, patch map[string]any) error {
	merged := datatypes.JSONMap{}
	maps.Copy(merged, conv.Context)
	maps.Copy(merged, patch)

	if err := guardedUpdate(r.db.WithContext(ctx), conv, map[string]any{"context": merged}); err != nil {
		return err
	}
	conv.Context = merged
	conv.Version++
	return nil
}

// ListIdle returns in-progress conversations with no activity since cutoff,
// oldest first.
func (r *GormConversationRepository) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusProgress, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&convs).Error
	return convs, wrap("list idle", "conversation", "", err)
}

// ListExpired returns open conversations past their hard expiry.
func (r *GormConversationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", models.OpenStatuses, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&convs).Error
	return convs, wrap("list expired", "conversation", "", err)
}

func (r *GormConversationRepository) History(ctx context.Context, conversationID string) ([]models.StateTransition, error) {
	var rows []models.StateTransition
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("version ASC").
		Find(&rows).Error
	return rows, wrap("history", "conversation", conversationID, err)
}

func (r *GormConversationRepository) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	var rows []struct {
		Status models.Status
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrap("count by status", "conversation", "", err)
	}

	counts := make(map[models.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// IsNotFound is a convenience for callers branching on missing rows.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
