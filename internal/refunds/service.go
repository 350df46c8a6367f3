package refunds

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/phonepe"
)

type paymentsReader interface {
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
}

type gatewayRefunder interface {
	InitiateRefund(ctx context.Context, refundID, originalOrderID string, amountMinor int64, reason string) (*phonepe.RefundResult, error)
}

type refundEngine interface {
	ApplyRefund(ctx context.Context, merchantOrderID, refundID, reason string, amountMinor int64) (*models.Payment, bool, error)
}

// Service runs the policy-gated refund workflow.
type Service interface {
	RequestRefund(ctx context.Context, userID uuid.UUID, merchantOrderID, reason string) (*models.Payment, error)
}

// ServiceParams configure the refund service.
type ServiceParams struct {
	Repo    paymentsReader
	Gateway gatewayRefunder
	Engine  refundEngine
	Logger  *logger.Logger
	Window  time.Duration
	Now     func() time.Time
}

type service struct {
	repo    paymentsReader
	gateway gatewayRefunder
	engine  refundEngine
	logg    *logger.Logger
	window  time.Duration
	now     func() time.Time
}

// NewService builds the refund service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, errors.New("payments reader required")
	}
	if params.Gateway == nil {
		return nil, errors.New("gateway client required")
	}
	if params.Engine == nil {
		return nil, errors.New("reconcile engine required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Window <= 0 {
		return nil, errors.New("refund window must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repo,
		gateway: params.Gateway,
		engine:  params.Engine,
		logg:    params.Logger,
		window:  params.Window,
		now:     now,
	}, nil
}

// RequestRefund returns funds for a successful purchase and revokes the
// entitlement. The state transition itself is a conditional update, so a
// concurrent request or a later refund-confirmation webhook lands on the
// same end state.
func (s *service) RequestRefund(ctx context.Context, userID uuid.UUID, merchantOrderID, reason string) (*models.Payment, error) {
	if merchantOrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant order id is required")
	}

	payment, err := s.repo.FindByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup payment")
	}
	if userID != uuid.Nil && payment.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}

	if err := s.checkPolicy(payment); err != nil {
		return nil, err
	}

	refundID := "rf-" + merchantOrderID
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"merchant_order_id": merchantOrderID,
		"refund_id":         refundID,
	})

	result, err := s.gateway.InitiateRefund(ctx, refundID, merchantOrderID, payment.AmountMinor, reason)
	if err != nil {
		if phonepe.IsTransient(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "gateway unavailable for refund")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayPermanent, err, "gateway rejected refund")
	}
	if !result.Accepted {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayPermanent, "gateway did not accept the refund")
	}

	// Optimistic: the gateway accepted, so settle immediately. The refund
	// confirmation webhook replays this transition as a no-op.
	settled, applied, err := s.engine.ApplyRefund(ctx, merchantOrderID, refundID, reason, payment.AmountMinor)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logg.Info(logCtx, "refund settled")
	}
	return settled, nil
}

// checkPolicy reports the first violated refund precondition. The refund
// window is compared in UTC.
func (s *service) checkPolicy(payment *models.Payment) error {
	switch payment.Status {
	case enums.PaymentStatusRefunded:
		return pkgerrors.New(pkgerrors.CodePolicyViolation, "payment already refunded").
			WithDetails(map[string]string{"reason": "already_refunded"})
	case enums.PaymentStatusSuccess:
		// fallthrough to window check
	default:
		return pkgerrors.New(pkgerrors.CodePolicyViolation, "payment is not successful").
			WithDetails(map[string]string{"reason": "not_successful"})
	}

	if payment.CompletedAt == nil {
		return pkgerrors.New(pkgerrors.CodePolicyViolation, "payment is not successful").
			WithDetails(map[string]string{"reason": "not_successful"})
	}
	if s.now().UTC().Sub(payment.CompletedAt.UTC()) > s.window {
		return pkgerrors.New(pkgerrors.CodePolicyViolation, "refund window expired").
			WithDetails(map[string]string{"reason": "window_expired"})
	}
	return nil
}
