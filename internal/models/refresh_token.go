package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RefreshToken struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenHash    string    `gorm:"uniqueIndex;not null;size:64" json:"-"`
	TokenVersion int       `gorm:"not null;default:0" json:"-"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	Revoked      bool      `gorm:"default:false" json:"revoked"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
