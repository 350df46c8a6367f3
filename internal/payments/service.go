package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/catalog"
	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/phonepe"
)

type paymentsRepository interface {
	Create(ctx context.Context, payment *models.Payment) (*models.Payment, error)
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
	FindSuccessByUserAndBook(ctx context.Context, userID, bookID uuid.UUID) (*models.Payment, error)
}

type gatewayClient interface {
	CreateOrder(ctx context.Context, params phonepe.CreateOrderParams) (*phonepe.CreateOrderResult, error)
	QueryStatus(ctx context.Context, merchantOrderID string) (*phonepe.StatusResult, error)
}

type reconcileEngine interface {
	MarkPending(ctx context.Context, merchantOrderID, gatewayOrderID string, expireAt time.Time) error
	Apply(ctx context.Context, merchantOrderID string, out reconcile.Outcome) (*models.Payment, bool, error)
}

// CreatePaymentResult is the orchestrator's answer to a purchase request.
// Reused means the user already owns the book and no new order was opened;
// RedirectURL is only set for freshly created orders.
type CreatePaymentResult struct {
	Payment     *models.Payment
	RedirectURL string
	Reused      bool
}

// Service orchestrates purchase intents against the gateway.
type Service interface {
	CreatePayment(ctx context.Context, userID, bookID uuid.UUID) (*CreatePaymentResult, error)
	GetPayment(ctx context.Context, userID uuid.UUID, merchantOrderID string) (*models.Payment, error)
}

// ServiceParams configure the payment service.
type ServiceParams struct {
	Repo    paymentsRepository
	Catalog catalog.Service
	Gateway gatewayClient
	Engine  reconcileEngine
	Logger  *logger.Logger
	Now     func() time.Time
}

type service struct {
	repo    paymentsRepository
	catalog catalog.Service
	gateway gatewayClient
	engine  reconcileEngine
	logg    *logger.Logger
	now     func() time.Time
}

// NewService builds the payment service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, errors.New("payments repository required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog service required")
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
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repo,
		catalog: params.Catalog,
		gateway: params.Gateway,
		engine:  params.Engine,
		logg:    params.Logger,
		now:     now,
	}, nil
}

// CreatePayment opens a purchase attempt. The payment row is persisted as
// initiated before the gateway is called, so a crashed or timed-out call
// leaves a recoverable record rather than silent loss.
func (s *service) CreatePayment(ctx context.Context, userID, bookID uuid.UUID) (*CreatePaymentResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user identity missing")
	}
	if bookID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "book id is required")
	}

	book, err := s.catalog.GetPurchasable(ctx, bookID)
	if err != nil {
		return nil, err
	}

	// Purchases are idempotent by (user, book): an owned book returns the
	// existing entitlement instead of opening a second order.
	existing, err := s.repo.FindSuccessByUserAndBook(ctx, userID, bookID)
	if err == nil {
		logCtx := s.logg.WithOrderID(ctx, existing.MerchantOrderID)
		s.logg.Info(logCtx, "book already owned, returning existing payment")
		return &CreatePaymentResult{Payment: existing, Reused: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup existing purchase")
	}

	now := s.now().UTC()
	merchantOrderID, err := NewMerchantOrderID(now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint order id")
	}

	payment := &models.Payment{
		ID:              uuid.New(),
		MerchantOrderID: merchantOrderID,
		UserID:          userID,
		BookID:          bookID,
		AmountMinor:     book.AmountMinor,
		Currency:        book.Currency,
		Status:          enums.PaymentStatusInitiated,
		InitiatedAt:     now,
	}
	if _, err := s.repo.Create(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist payment")
	}

	logCtx := s.logg.WithOrderID(ctx, merchantOrderID)
	order, err := s.gateway.CreateOrder(ctx, phonepe.CreateOrderParams{
		MerchantOrderID: merchantOrderID,
		AmountMinor:     book.AmountMinor,
		Message:         fmt.Sprintf("Purchase of %s", book.Title),
		MetaInfo: map[string]string{
			"userId": userID.String(),
			"bookId": bookID.String(),
		},
	})
	if err != nil {
		return nil, s.settleCreateFailure(logCtx, merchantOrderID, err)
	}

	if err := s.engine.MarkPending(ctx, merchantOrderID, order.GatewayOrderID, order.ExpireAt); err != nil {
		return nil, err
	}

	current, err := s.repo.FindByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}

	s.logg.Info(logCtx, "payment created")
	return &CreatePaymentResult{
		Payment:     current,
		RedirectURL: order.RedirectURL,
	}, nil
}

// settleCreateFailure maps a create-order error onto the record. Permanent
// rejections settle the payment as failed immediately; transient ones leave
// it initiated for the expiry sweep to close out.
func (s *service) settleCreateFailure(ctx context.Context, merchantOrderID string, gatewayErr error) error {
	if phonepe.IsPermanent(gatewayErr) {
		code := "GATEWAY_REJECTED"
		var ge *phonepe.GatewayError
		if errors.As(gatewayErr, &ge) && ge.Code != "" {
			code = ge.Code
		}
		if _, _, err := s.engine.Apply(ctx, merchantOrderID, reconcile.Outcome{
			Result:       enums.PaymentStatusFailed,
			ErrorCode:    code,
			ErrorMessage: "gateway rejected order creation",
			Source:       "create",
		}); err != nil {
			s.logg.Error(ctx, "failed to settle rejected payment", err)
		}
		return pkgerrors.Wrap(pkgerrors.CodeGatewayPermanent, gatewayErr, "gateway rejected order creation")
	}

	s.logg.Warn(ctx, "gateway unavailable during order creation, payment left initiated")
	return pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, gatewayErr, "gateway unavailable")
}

// GetPayment returns the caller's view of a payment. Live payments are
// reconciled against the gateway on the way out, through the same engine the
// webhook path uses.
func (s *service) GetPayment(ctx context.Context, userID uuid.UUID, merchantOrderID string) (*models.Payment, error) {
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
	// Existence of other users' orders is not disclosed.
	if userID != uuid.Nil && payment.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}

	if payment.Status.IsTerminal() || payment.Status == enums.PaymentStatusSuccess {
		return payment, nil
	}

	return s.pollGateway(ctx, payment)
}

func (s *service) pollGateway(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	logCtx := s.logg.WithOrderID(ctx, payment.MerchantOrderID)

	status, err := s.gateway.QueryStatus(ctx, payment.MerchantOrderID)
	if err != nil {
		// The stored state stays authoritative when the gateway is unreachable.
		s.logg.Warn(logCtx, "status poll failed, returning stored state")
		return payment, nil
	}

	switch status.Outcome {
	case phonepe.OutcomeSuccess:
		settled, _, err := s.engine.Apply(ctx, payment.MerchantOrderID, reconcile.Outcome{
			Result:            enums.PaymentStatusSuccess,
			ProviderState:     status.State,
			PaymentMethod:     status.PaymentMethod,
			PaymentInstrument: status.PaymentInstrument,
			Source:            "poll",
		})
		if err != nil {
			return nil, err
		}
		return settled, nil
	case phonepe.OutcomeFailed:
		settled, _, err := s.engine.Apply(ctx, payment.MerchantOrderID, reconcile.Outcome{
			Result:        enums.PaymentStatusFailed,
			ProviderState: status.State,
			ErrorCode:     status.ErrorCode,
			ErrorMessage:  status.ErrorMessage,
			Source:        "poll",
		})
		if err != nil {
			return nil, err
		}
		return settled, nil
	default:
		return payment, nil
	}
}
