package services

import (
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const erasedMask = "erased"

// eraseUser anonymizes an account that has commercial history. The provider
// customer link and purchases stay for accounting; the email, credentials,
// sessions and audit identifiers do not.
func eraseUser(tx *gorm.DB, audit *AuditLog, user *models.User, at time.Time, origin Origin) error {
	token := uuid.NewString()
	res := tx.Model(&models.User{}).Where("id = ? AND erased_at IS NULL", user.ID).Updates(map[string]any{
		"email":                   fmt.Sprintf("%s@erased.invalid", token),
		"password":                "",
		"verification_token_hash": "",
		"erased_at":               at.UTC(),
		"token_version":           gorm.Expr("token_version + 1"),
	})
	if res.Error != nil {
		return fmt.Errorf("mask user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	if err := tx.Model(&models.RefreshToken{}).Where("user_id = ?", user.ID).Update("revoked", true).Error; err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := audit.maskUser(tx, user.ID, erasedMask); err != nil {
		return fmt.Errorf("mask audit entries: %w", err)
	}
	if err := audit.Append(tx, &user.ID, ActionAccountErased, origin, map[string]any{
		"customer_preserved": user.StripeCustomerID != nil,
	}); err != nil {
		return err
	}
	if err := tx.Delete(&models.User{}, "id = ?", user.ID).Error; err != nil {
		return fmt.Errorf("soft-delete user: %w", err)
	}
	return nil
}

// deleteUser removes an account that never reached the provider.
func deleteUser(tx *gorm.DB, audit *AuditLog, user *models.User, origin Origin) error {
	for _, m := range []any{&models.RefreshToken{}, &models.OwnedProgram{}, &models.SubscriptionState{}} {
		if err := tx.Unscoped().Where("user_id = ?", user.ID).Delete(m).Error; err != nil {
			return fmt.Errorf("delete %T: %w", m, err)
		}
	}
	if err := tx.Unscoped().Delete(&models.User{}, "id = ?", user.ID).Error; err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return audit.Append(tx, &user.ID, ActionUnverifiedDeleted, origin, nil)
}
