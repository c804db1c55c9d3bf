package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actors.
const (
	ActorUser       = "user"
	ActorWebhook    = "webhook"
	ActorReconciler = "reconciler"
	ActorOperator   = "operator"
	ActorSystem     = "system"
)

var ErrAuditImmutable = errors.New("audit entries are append-only")

// AuditEntry records one entitlement-changing event.
type AuditEntry struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    *uuid.UUID     `gorm:"type:uuid;index:idx_audit_user_time,priority:1" json:"user_id,omitempty"`
	Actor     string         `gorm:"size:20;not null" json:"actor"`
	Action    string         `gorm:"size:100;not null;index" json:"action"`
	Details   datatypes.JSON `gorm:"type:jsonb" json:"details"`
	IPAddress string         `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent string         `gorm:"size:500" json:"user_agent,omitempty"`
	EventID   string         `gorm:"size:255;index" json:"event_id,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index;index:idx_audit_user_time,priority:2" json:"created_at"`
}

func (a *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (a *AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (a *AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}
