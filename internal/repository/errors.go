package repository

import (
	"errors"
	"fmt"

	apperrors "conversation-engine/backend/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrOpenConversationExists is returned by Create when another writer
	// already holds the open slot for the session key.
	ErrOpenConversationExists = errors.New("repository: open conversation already exists for session")
	// ErrMessageAttached is returned when a message was attached concurrently.
	ErrMessageAttached = errors.New("repository: message already attached")
)

const pgUniqueViolation = "23505"

// isUniqueViolation recognises duplicate-key failures from every driver the
// store runs on. TranslateError covers most cases; the driver checks catch
// errors raised inside raw Exec calls.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// wrap classifies driver errors. Record-not-found becomes NotFound; anything
// else is treated as a transient backend failure the caller may retry.
func wrap(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(resource, id)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Transient(fmt.Sprintf("repository: %s", op), err)
}
