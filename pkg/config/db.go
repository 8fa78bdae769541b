package config

import (
	"context"
	"fmt"
	"time"

	applog "conversation-engine/backend/pkg/logger"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens the conversation store. Postgres is the production driver; sqlite
// serves single-node deployments and tests.
func NewDB(cfg *Config, log *applog.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{TranslateError: true}
	if cfg.IsDevelopment() {
		gormConfig.Logger = logger.Default.LogMode(logger.Warn)
	} else {
		gormConfig.Logger = logger.Default.LogMode(logger.Error)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(SQLiteDSN(cfg.Database.Path))
	case "postgres", "":
		dialector = postgres.Open(fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Name,
			cfg.Database.SSLMode,
		))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	retries := cfg.Database.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	var db *gorm.DB
	var err error
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(dialector, gormConfig)
		if err == nil {
			break
		}
		log.Warn("failed to connect to database, retrying",
			"driver", cfg.Database.Driver,
			"attempt", i+1,
			"delay", cfg.Database.RetryDelay,
			"error", err.Error(),
		)
		time.Sleep(cfg.Database.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d retries: %w", retries, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		// sqlite allows a single writer; serialising connections avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(cfg.Database.MaxConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	return db, nil
}

// SQLiteDSN returns a go-sqlite3 DSN with WAL and foreign keys enabled.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// Ping checks that the database connection is working
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
