package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "logs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SystemLog{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestToSystemLog_LiftsKnownAttrs(t *testing.T) {
	record := slog.NewRecord(time.Now(), slog.LevelError, "webhook processing failed", 0)
	record.AddAttrs(
		slog.String("event_id", "evt_1"),
		slog.String("event_type", "invoice.payment_failed"),
		slog.String("error", "boom"),
		slog.String("plan", "1-month"),
	)

	entry := toSystemLog(record, []slog.Attr{slog.String("user_id", "u-1")})

	assert.Equal(t, "evt_1", entry.EventID)
	assert.Equal(t, "invoice.payment_failed", entry.EventType)
	assert.Equal(t, "boom", entry.Error)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "u-1", *entry.UserID)
	assert.JSONEq(t, `{"plan":"1-month"}`, string(entry.Extra))
}

func TestPGHandler_FlushesOnStop(t *testing.T) {
	db := openTestDB(t)
	h := NewPGHandler(db)
	logger := slog.New(h)

	logger.Info("not persisted")
	logger.Error("persisted", "action", "expiry_sweep")
	h.Stop()

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&models.SystemLog{}).Count(&count)
		return count == 1
	}, 2*time.Second, 20*time.Millisecond)

	var stored models.SystemLog
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, "persisted", stored.Message)
	assert.Equal(t, "expiry_sweep", stored.Action)
}

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var info, errs bytes.Buffer
	h := NewMultiHandler(
		slog.NewJSONHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&errs, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h).With("component", "test")

	logger.Info("hello")
	logger.Error("bad")

	assert.Contains(t, info.String(), "hello")
	assert.Contains(t, info.String(), "bad")
	assert.NotContains(t, errs.String(), "hello")
	assert.Contains(t, errs.String(), `"component":"test"`)
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

type failingHandler struct{}

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }
func (h failingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h failingHandler) WithGroup(string) slog.Handler { return h }

func TestMultiHandler_RedactsAndSurvivesFailingSink(t *testing.T) {
	var out bytes.Buffer
	h := NewMultiHandler(failingHandler{}, slog.NewJSONHandler(&out, nil))
	logger := slog.New(h).With("client_secret", "pi_123_secret_abc")

	logger.Info("checkout", "user_id", "u1", slog.Group("req", "password", "hunter22"))

	assert.Contains(t, out.String(), `"user_id":"u1"`)
	assert.NotContains(t, out.String(), "pi_123_secret_abc")
	assert.NotContains(t, out.String(), "hunter22")
	assert.Contains(t, out.String(), redacted)
}

func TestPurgeOlderThan(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&models.SystemLog{Timestamp: now.Add(-40 * 24 * time.Hour), Level: "ERROR", Message: "old"}).Error)
	require.NoError(t, db.Create(&models.SystemLog{Timestamp: now, Level: "ERROR", Message: "new"}).Error)

	deleted, err := PurgeOlderThan(db, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
