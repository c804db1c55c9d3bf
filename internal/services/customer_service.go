package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"gorm.io/gorm"
)

// CustomerRegistry links local users to provider customers. The link is
// write-once: once a user has a customer id it is never re-pointed.
type CustomerRegistry struct {
	db       *gorm.DB
	provider payments.Provider
	audit    *AuditLog
}

func NewCustomerRegistry(db *gorm.DB, provider payments.Provider, audit *AuditLog) *CustomerRegistry {
	return &CustomerRegistry{db: db, provider: provider, audit: audit}
}

// GetOrCreateCustomer returns the user's provider customer, linking an
// existing one found by email or creating a new one. When paymentMethodID is
// set it is attached and made the default. user.StripeCustomerID is updated
// in place.
func (r *CustomerRegistry) GetOrCreateCustomer(ctx context.Context, user *models.User, paymentMethodID string, origin Origin) (string, error) {
	if id := user.CustomerID(); id != "" {
		if err := r.attach(ctx, id, paymentMethodID); err != nil {
			return "", err
		}
		return id, nil
	}

	customerID, source, err := r.findOrCreate(ctx, user)
	if err != nil {
		return "", err
	}
	if err := r.attach(ctx, customerID, paymentMethodID); err != nil {
		return "", err
	}

	linked, err := r.link(ctx, user, customerID, source, origin)
	if err != nil {
		return "", err
	}
	if linked != customerID {
		// Lost a race with a concurrent checkout; the winner's customer stays.
		slog.Warn("customer already linked by a concurrent request",
			"user_id", user.ID, "kept", linked, "orphaned", customerID)
		if err := r.attach(ctx, linked, paymentMethodID); err != nil {
			return "", err
		}
	}
	return linked, nil
}

func (r *CustomerRegistry) findOrCreate(ctx context.Context, user *models.User) (id, source string, err error) {
	existing, err := r.provider.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", "", fmt.Errorf("find customer: %w", err)
	}
	if existing != nil {
		return existing.ID, "existing", nil
	}

	created, err := r.provider.CreateCustomer(ctx, payments.CustomerInput{
		Email:  user.Email,
		UserID: user.ID.String(),
	})
	if err != nil {
		return "", "", fmt.Errorf("create customer: %w", err)
	}
	return created.ID, "created", nil
}

func (r *CustomerRegistry) attach(ctx context.Context, customerID, paymentMethodID string) error {
	if paymentMethodID == "" {
		return nil
	}
	if err := r.provider.AttachPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	return nil
}

// link persists customerID only if the user has none yet and returns the id
// that ended up stored.
func (r *CustomerRegistry) link(ctx context.Context, user *models.User, customerID, source string, origin Origin) (string, error) {
	var stored string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND stripe_customer_id IS NULL", user.ID).
			Update("stripe_customer_id", customerID)
		if res.Error != nil {
			return fmt.Errorf("link customer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var current models.User
			if err := tx.Select("id", "stripe_customer_id").Take(&current, "id = ?", user.ID).Error; err != nil {
				return fmt.Errorf("reload user: %w", err)
			}
			stored = current.CustomerID()
			if stored == "" {
				return ErrUserNotFound
			}
			return nil
		}
		stored = customerID
		return r.audit.Append(tx, &user.ID, ActionCustomerLinked, origin, map[string]any{
			"customer_id": customerID,
			"source":      source,
		})
	})
	if err != nil {
		return "", err
	}
	user.StripeCustomerID = &stored
	return stored, nil
}
