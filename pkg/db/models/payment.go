package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pagevault/pagevault-backend/pkg/enums"
)

// Payment is the durable record of one purchase attempt. MerchantOrderID is
// minted locally at creation and never changes; GatewayOrderID arrives with
// the provider's create-order response. Entitlement fields are populated
// exactly once, on the pending→success transition.
type Payment struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MerchantOrderID string    `gorm:"column:merchant_order_id;not null;unique"`
	GatewayOrderID  *string   `gorm:"column:gateway_order_id"`

	UserID uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`
	BookID uuid.UUID `gorm:"column:book_id;type:uuid;not null;index"`

	AmountMinor int64  `gorm:"column:amount_minor;not null"`
	Currency    string `gorm:"column:currency;not null;default:'INR'"`

	Status enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'initiated'"`

	ProviderState     *string         `gorm:"column:provider_state"`
	PaymentMethod     *string         `gorm:"column:payment_method"`
	PaymentInstrument json.RawMessage `gorm:"column:payment_instrument;type:jsonb"`

	DownloadToken  *string    `gorm:"column:download_token;unique"`
	DownloadCount  int        `gorm:"column:download_count;not null;default:0"`
	MaxDownloads   int        `gorm:"column:max_downloads;not null;default:0"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at"`
	TokenRevoked   bool       `gorm:"column:token_revoked;not null;default:false"`

	InitiatedAt time.Time  `gorm:"column:initiated_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	ExpireAt    *time.Time `gorm:"column:expire_at"`
	RefundedAt  *time.Time `gorm:"column:refunded_at"`

	ErrorCode    *string `gorm:"column:error_code"`
	ErrorMessage *string `gorm:"column:error_message"`

	RefundID          *string `gorm:"column:refund_id"`
	RefundAmountMinor *int64  `gorm:"column:refund_amount_minor"`
	RefundReason      *string `gorm:"column:refund_reason"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
