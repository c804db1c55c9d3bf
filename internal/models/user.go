package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Roles.
const (
	RoleClient  = "client"
	RoleTrainer = "trainer"
	RoleAdmin   = "admin"
)

type User struct {
	ID                    uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Email                 string         `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Password              string         `gorm:"not null" json:"-"`
	Role                  string         `gorm:"size:20;not null;default:'client'" json:"role"`
	StripeCustomerID      *string        `gorm:"size:255;uniqueIndex" json:"-"`
	EmailVerified         bool           `gorm:"not null;default:false;index" json:"email_verified"`
	VerifiedAt            *time.Time     `json:"verified_at,omitempty"`
	VerificationTokenHash string         `gorm:"size:64;index" json:"-"`
	TokenVersion          int            `gorm:"not null;default:0" json:"-"`
	ErasedAt              *time.Time     `gorm:"index" json:"-"`
	CreatedAt             time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = RoleClient
	}
	return nil
}

// CustomerID returns the linked Stripe customer, or "" when none is linked yet.
func (u *User) CustomerID() string {
	if u.StripeCustomerID == nil {
		return ""
	}
	return *u.StripeCustomerID
}
