package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect opens the pool, retrying up to cfg.DBConnectRetries times before
// giving up.
func Connect(cfg *config.Config) error {
	attempts := cfg.DBConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := open(cfg)
		if err == nil {
			DB = db
			slog.Info("database connected", "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("database connection attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(cfg.DBRetryDelay)
		}
	}
	return fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, lastErr)
}

func open(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// AllModels lists every persisted model, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.RefreshToken{},
		&models.SubscriptionState{},
		&models.OwnedProgram{},
		&models.Purchase{},
		&models.ProcessedEvent{},
		&models.AuditEntry{},
		&models.SystemLog{},
	}
}

// Migrate runs AutoMigrate for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

func Ping() error {
	if DB == nil {
		return fmt.Errorf("database not connected")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
