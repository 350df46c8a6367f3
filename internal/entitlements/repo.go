package entitlements

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
)

// Repository owns the entitlement columns on the payments table.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs an entitlement repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindByToken fetches the payment a download token belongs to.
func (r *Repository) FindByToken(ctx context.Context, token string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, "download_token = ?", token).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// ConsumeDownload spends one download against the token in a single
// conditional update. Zero rows affected means the token was unknown,
// revoked, expired, past its limit, or the payment left success.
func (r *Repository) ConsumeDownload(ctx context.Context, token string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("download_token = ?", token).
		Where("status = ?", enums.PaymentStatusSuccess).
		Where("token_revoked = ?", false).
		Where("download_count < max_downloads").
		Where("token_expires_at IS NULL OR token_expires_at > ?", now.UTC()).
		Update("download_count", gorm.Expr("download_count + 1"))
	return result.RowsAffected, result.Error
}

// RevokeTx marks the token revoked inside an existing transaction. Revoking a
// payment without a token, or one already revoked, is a no-op.
func (r *Repository) RevokeTx(tx *gorm.DB, merchantOrderID string) error {
	return tx.Model(&models.Payment{}).
		Where("merchant_order_id = ?", merchantOrderID).
		Where("token_revoked = ?", false).
		Update("token_revoked", true).Error
}
