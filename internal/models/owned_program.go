package models

import (
	"time"

	"github.com/google/uuid"
)

// OwnedProgram is one element of a user's program set; the composite primary
// key makes grants idempotent.
type OwnedProgram struct {
	UserID      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"-"`
	ProgramSlug string     `gorm:"size:100;primaryKey" json:"program_slug"`
	PurchaseID  *uuid.UUID `gorm:"type:uuid" json:"purchase_id,omitempty"`
	GrantedAt   time.Time  `gorm:"not null" json:"granted_at"`
}
