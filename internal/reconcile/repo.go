package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/entitlements"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
)

// entitlementOwnershipIndex is the partial unique index allowing at most one
// successful payment per (user, book). Violating it on MarkSuccess means a
// sibling order already delivered the entitlement.
const entitlementOwnershipIndex = "idx_payments_user_book_success"

// Repository applies payment state transitions as conditional updates guarded
// by the current status. Callers read RowsAffected to learn whether their
// transition won; a miss is how duplicates and conflicts surface.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a transition repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// FindByMerchantOrderID fetches a payment by its local order id.
func (r *Repository) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, "merchant_order_id = ?", merchantOrderID).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkPending records the gateway's acceptance of a freshly created order.
func (r *Repository) MarkPending(ctx context.Context, merchantOrderID, gatewayOrderID string, expireAt time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_order_id = ?", merchantOrderID).
		Where("status = ?", enums.PaymentStatusInitiated).
		Updates(map[string]any{
			"status":           enums.PaymentStatusPending,
			"gateway_order_id": gatewayOrderID,
			"expire_at":        expireAt.UTC(),
		})
	return result.RowsAffected, result.Error
}

// SuccessUpdate carries everything the pending→success transition writes.
// The entitlement grant rides in the same update so issuing it is atomic
// with the status change.
type SuccessUpdate struct {
	ProviderState     string
	PaymentMethod     string
	PaymentInstrument json.RawMessage
	Grant             entitlements.Grant
	CompletedAt       time.Time
}

// MarkSuccess settles a live payment as paid and issues the entitlement.
func (r *Repository) MarkSuccess(ctx context.Context, merchantOrderID string, update SuccessUpdate) (int64, error) {
	values := map[string]any{
		"status":         enums.PaymentStatusSuccess,
		"completed_at":   update.CompletedAt.UTC(),
		"download_token": update.Grant.Token,
		"max_downloads":  update.Grant.MaxDownloads,
		"download_count": 0,
		"error_code":     nil,
		"error_message":  nil,
	}
	if update.ProviderState != "" {
		values["provider_state"] = update.ProviderState
	}
	if update.PaymentMethod != "" {
		values["payment_method"] = update.PaymentMethod
	}
	if len(update.PaymentInstrument) > 0 {
		values["payment_instrument"] = update.PaymentInstrument
	}
	if update.Grant.ExpiresAt != nil {
		values["token_expires_at"] = update.Grant.ExpiresAt.UTC()
	}

	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_order_id = ?", merchantOrderID).
		Where("status IN ?", liveStatuses()).
		Updates(values)
	return result.RowsAffected, result.Error
}

// MarkFailed settles a live payment as failed.
func (r *Repository) MarkFailed(ctx context.Context, merchantOrderID, errorCode, errorMessage string, completedAt time.Time) (int64, error) {
	values := map[string]any{
		"status":       enums.PaymentStatusFailed,
		"completed_at": completedAt.UTC(),
	}
	if errorCode != "" {
		values["error_code"] = errorCode
	}
	if errorMessage != "" {
		values["error_message"] = errorMessage
	}

	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_order_id = ?", merchantOrderID).
		Where("status IN ?", liveStatuses()).
		Updates(values)
	return result.RowsAffected, result.Error
}

// MarkRefunded moves a successful payment to refunded and revokes its token.
func (r *Repository) MarkRefunded(ctx context.Context, merchantOrderID, refundID, reason string, amountMinor int64, refundedAt time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("merchant_order_id = ?", merchantOrderID).
		Where("status = ?", enums.PaymentStatusSuccess).
		Updates(map[string]any{
			"status":              enums.PaymentStatusRefunded,
			"refund_id":           refundID,
			"refund_amount_minor": amountMinor,
			"refund_reason":       reason,
			"refunded_at":         refundedAt.UTC(),
			"token_revoked":       true,
		})
	return result.RowsAffected, result.Error
}

// FindExpiredLive returns live payments whose order window elapsed before cutoff.
func (r *Repository) FindExpiredLive(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var rows []models.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ?", liveStatuses()).
		Where("expire_at IS NOT NULL AND expire_at < ?", cutoff.UTC()).
		Order("expire_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Live statuses still admit a terminal outcome.
func liveStatuses() []enums.PaymentStatus {
	return []enums.PaymentStatus{enums.PaymentStatusInitiated, enums.PaymentStatusPending}
}
