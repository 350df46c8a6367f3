package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
)

// Repository exposes payment persistence for the intent orchestrator.
// Status transitions live in the reconcile repository, not here.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a payment repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new payment row.
func (r *Repository) Create(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, err
	}
	return payment, nil
}

// FindByMerchantOrderID fetches a payment by its local order id.
func (r *Repository) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, "merchant_order_id = ?", merchantOrderID).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindSuccessByUserAndBook returns the user's successful purchase of a book,
// or gorm.ErrRecordNotFound when no entitlement exists.
func (r *Repository) FindSuccessByUserAndBook(ctx context.Context, userID, bookID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND book_id = ? AND status = ?", userID, bookID, enums.PaymentStatusSuccess).
		Order("completed_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
