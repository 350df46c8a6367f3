package reconcile

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/config"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
)

func setupReconcileTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	payments := `
CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  merchant_order_id TEXT NOT NULL UNIQUE,
  gateway_order_id TEXT,
  user_id TEXT NOT NULL,
  book_id TEXT NOT NULL,
  amount_minor INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'INR',
  status TEXT NOT NULL DEFAULT 'initiated',
  provider_state TEXT,
  payment_method TEXT,
  payment_instrument TEXT,
  download_token TEXT UNIQUE,
  download_count INTEGER NOT NULL DEFAULT 0,
  max_downloads INTEGER NOT NULL DEFAULT 0,
  token_expires_at DATETIME,
  token_revoked INTEGER NOT NULL DEFAULT 0,
  initiated_at DATETIME NOT NULL,
  completed_at DATETIME,
  expire_at DATETIME,
  refunded_at DATETIME,
  error_code TEXT,
  error_message TEXT,
  refund_id TEXT,
  refund_amount_minor INTEGER,
  refund_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(payments).Error)
	ownership := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_user_book_success
  ON payments (user_id, book_id) WHERE status = 'success';`
	require.NoError(t, db.Exec(ownership).Error)
	return db
}

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type recordingOutbox struct {
	events []outbox.DomainEvent
	err    error
}

func (o *recordingOutbox) Emit(_ context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if tx == nil {
		return assert.AnError
	}
	if o.err != nil {
		return o.err
	}
	o.events = append(o.events, event)
	return nil
}

func seedPayment(t *testing.T, db *gorm.DB, merchantOrderID string, status enums.PaymentStatus) *models.Payment {
	t.Helper()
	payment := models.Payment{
		ID:              uuid.New(),
		MerchantOrderID: merchantOrderID,
		UserID:          uuid.New(),
		BookID:          uuid.New(),
		AmountMinor:     19900,
		Currency:        "INR",
		Status:          status,
		InitiatedAt:     time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(&payment).Error)
	return &payment
}

func newTestEngine(t *testing.T, db *gorm.DB, sink *recordingOutbox) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineParams{
		DB:     testTxRunner{db: db},
		Repo:   NewRepository(db),
		Outbox: sink,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Entitlements: config.EntitlementsConfig{
			MaxDownloads: 5,
		},
	})
	require.NoError(t, err)
	return engine
}

func TestMarkPending(t *testing.T) {
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-pending-1", enums.PaymentStatusInitiated)
	engine := newTestEngine(t, db, &recordingOutbox{})

	expireAt := time.Now().UTC().Add(20 * time.Minute)
	require.NoError(t, engine.MarkPending(context.Background(), "pv-pending-1", "T100", expireAt))

	var row models.Payment
	require.NoError(t, db.First(&row, "merchant_order_id = ?", "pv-pending-1").Error)
	assert.Equal(t, enums.PaymentStatusPending, row.Status)
	require.NotNil(t, row.GatewayOrderID)
	assert.Equal(t, "T100", *row.GatewayOrderID)
	require.NotNil(t, row.ExpireAt)

	// Reapplying is a no-op, not an error.
	require.NoError(t, engine.MarkPending(context.Background(), "pv-pending-1", "T999", expireAt))
	require.NoError(t, db.First(&row, "merchant_order_id = ?", "pv-pending-1").Error)
	assert.Equal(t, "T100", *row.GatewayOrderID)
}

func TestApply_SuccessIssuesEntitlementOnce(t *testing.T) {
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-ok-1", enums.PaymentStatusPending)
	sink := &recordingOutbox{}
	engine := newTestEngine(t, db, sink)

	settled, applied, err := engine.Apply(context.Background(), "pv-ok-1", Outcome{
		Result:        enums.PaymentStatusSuccess,
		ProviderState: "COMPLETED",
		PaymentMethod: "UPI",
		Source:        "webhook",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, settled.DownloadToken)
	firstToken := *settled.DownloadToken
	assert.Equal(t, 5, settled.MaxDownloads)
	assert.Equal(t, 0, settled.DownloadCount)
	require.NotNil(t, settled.CompletedAt)
	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventPaymentSucceeded, sink.events[0].EventType)

	// A duplicate webhook must not mint a second token or emit again.
	again, applied, err := engine.Apply(context.Background(), "pv-ok-1", Outcome{
		Result: enums.PaymentStatusSuccess,
		Source: "poll",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, again.DownloadToken)
	assert.Equal(t, firstToken, *again.DownloadToken)
	assert.Len(t, sink.events, 1)
}

func TestApply_FailedRecordsErrorDetail(t *testing.T) {
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-fail-1", enums.PaymentStatusPending)
	sink := &recordingOutbox{}
	engine := newTestEngine(t, db, sink)

	settled, applied, err := engine.Apply(context.Background(), "pv-fail-1", Outcome{
		Result:       enums.PaymentStatusFailed,
		ErrorCode:    "PAYMENT_DECLINED",
		ErrorMessage: "issuer declined the card",
		Source:       "webhook",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, enums.PaymentStatusFailed, settled.Status)
	require.NotNil(t, settled.ErrorCode)
	assert.Equal(t, "PAYMENT_DECLINED", *settled.ErrorCode)
	assert.Nil(t, settled.DownloadToken)
	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventPaymentFailed, sink.events[0].EventType)
}

func TestApply_ConflictingLateEventIsAbsorbed(t *testing.T) {
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-conf-1", enums.PaymentStatusPending)
	sink := &recordingOutbox{}
	engine := newTestEngine(t, db, sink)

	_, applied, err := engine.Apply(context.Background(), "pv-conf-1", Outcome{
		Result: enums.PaymentStatusSuccess,
		Source: "webhook",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	current, applied, err := engine.Apply(context.Background(), "pv-conf-1", Outcome{
		Result:    enums.PaymentStatusFailed,
		ErrorCode: "TIMED_OUT",
		Source:    "webhook",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, enums.PaymentStatusSuccess, current.Status)
	assert.Len(t, sink.events, 1)
}

func TestApply_SiblingOrderForSameBookCannotSettleTwice(t *testing.T) {
	// Two concurrent purchases of the same book both reach pending; only the
	// first settling webhook may deliver the entitlement.
	db := setupReconcileTestDB(t)
	userID := uuid.New()
	bookID := uuid.New()
	for _, orderID := range []string{"pv-sib-1", "pv-sib-2"} {
		payment := models.Payment{
			ID:              uuid.New(),
			MerchantOrderID: orderID,
			UserID:          userID,
			BookID:          bookID,
			AmountMinor:     19900,
			Currency:        "INR",
			Status:          enums.PaymentStatusPending,
			InitiatedAt:     time.Now().UTC().Add(-time.Minute),
		}
		require.NoError(t, db.Create(&payment).Error)
	}
	sink := &recordingOutbox{}
	engine := newTestEngine(t, db, sink)

	_, applied, err := engine.Apply(context.Background(), "pv-sib-1", Outcome{
		Result: enums.PaymentStatusSuccess,
		Source: "webhook",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	second, applied, err := engine.Apply(context.Background(), "pv-sib-2", Outcome{
		Result: enums.PaymentStatusSuccess,
		Source: "webhook",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, enums.PaymentStatusPending, second.Status, "losing order stays live for the expiry sweep")
	assert.Nil(t, second.DownloadToken)

	var successCount int64
	require.NoError(t, db.Model(&models.Payment{}).
		Where("user_id = ? AND book_id = ? AND status = ?", userID, bookID, enums.PaymentStatusSuccess).
		Count(&successCount).Error)
	assert.EqualValues(t, 1, successCount)
	assert.Len(t, sink.events, 1, "the absorbed outcome must not notify")
}

func TestApply_SettlesDirectlyFromInitiated(t *testing.T) {
	// The webhook can outrun the create-order response being recorded.
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-race-1", enums.PaymentStatusInitiated)
	engine := newTestEngine(t, db, &recordingOutbox{})

	settled, applied, err := engine.Apply(context.Background(), "pv-race-1", Outcome{
		Result: enums.PaymentStatusSuccess,
		Source: "webhook",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, enums.PaymentStatusSuccess, settled.Status)
}

func TestApply_UnknownOrder(t *testing.T) {
	db := setupReconcileTestDB(t)
	engine := newTestEngine(t, db, &recordingOutbox{})

	_, _, err := engine.Apply(context.Background(), "pv-none", Outcome{
		Result: enums.PaymentStatusSuccess,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestApply_RejectsNonTerminalOutcome(t *testing.T) {
	db := setupReconcileTestDB(t)
	engine := newTestEngine(t, db, &recordingOutbox{})

	_, _, err := engine.Apply(context.Background(), "pv-any", Outcome{
		Result: enums.PaymentStatusPending,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestApplyRefund(t *testing.T) {
	db := setupReconcileTestDB(t)
	payment := seedPayment(t, db, "pv-rf-1", enums.PaymentStatusSuccess)
	token := "tok-rf"
	require.NoError(t, db.Model(payment).Updates(map[string]any{
		"download_token": token,
		"max_downloads":  5,
	}).Error)
	sink := &recordingOutbox{}
	engine := newTestEngine(t, db, sink)

	settled, applied, err := engine.ApplyRefund(context.Background(), "pv-rf-1", "rf-pv-rf-1", "requested by customer", 19900)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, enums.PaymentStatusRefunded, settled.Status)
	assert.True(t, settled.TokenRevoked)
	require.NotNil(t, settled.RefundID)
	assert.Equal(t, "rf-pv-rf-1", *settled.RefundID)
	require.Len(t, sink.events, 1)
	assert.Equal(t, enums.EventPaymentRefunded, sink.events[0].EventType)

	// The provider's refund webhook replays the same transition harmlessly.
	_, applied, err = engine.ApplyRefund(context.Background(), "pv-rf-1", "rf-pv-rf-1", "requested by customer", 19900)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, sink.events, 1)
}

func TestApplyRefund_RequiresSuccess(t *testing.T) {
	db := setupReconcileTestDB(t)
	seedPayment(t, db, "pv-rf-2", enums.PaymentStatusPending)
	engine := newTestEngine(t, db, &recordingOutbox{})

	_, _, err := engine.ApplyRefund(context.Background(), "pv-rf-2", "rf-pv-rf-2", "", 19900)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}
