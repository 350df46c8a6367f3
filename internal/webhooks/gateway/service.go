package gatewaywebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/notify"
	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
)

const idempotencyScope = "webhook"

type reconcileEngine interface {
	Apply(ctx context.Context, merchantOrderID string, out reconcile.Outcome) (*models.Payment, bool, error)
	ApplyRefund(ctx context.Context, merchantOrderID, refundID, reason string, amountMinor int64) (*models.Payment, bool, error)
}

type paymentsReader interface {
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type repairEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type idempotencyStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(ctx context.Context, keys ...string) error
}

// ServiceParams configure the webhook service.
type ServiceParams struct {
	Engine         reconcileEngine
	Payments       paymentsReader
	DB             txRunner
	Outbox         repairEmitter
	Idempotency    idempotencyStore
	Logger         *logger.Logger
	IdempotencyTTL time.Duration
	Now            func() time.Time
}

// Service applies verified provider callbacks through the reconciliation
// engine. Process never returns an error for outcomes the provider cannot
// fix by retrying: those are absorbed, logged, and queued for repair.
type Service struct {
	engine         reconcileEngine
	payments       paymentsReader
	db             txRunner
	outbox         repairEmitter
	idempotency    idempotencyStore
	logg           *logger.Logger
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewService builds the webhook service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Engine == nil {
		return nil, errors.New("reconcile engine required")
	}
	if params.Payments == nil {
		return nil, errors.New("payments reader required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	ttl := params.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		engine:         params.Engine,
		payments:       params.Payments,
		db:             params.DB,
		outbox:         params.Outbox,
		idempotency:    params.Idempotency,
		logg:           params.Logger,
		idempotencyTTL: ttl,
		now:            now,
	}, nil
}

// Process dispatches one verified callback. The returned error is only ever
// a malformed-payload error; everything past parsing resolves to nil so the
// controller can acknowledge with 200.
func (s *Service) Process(ctx context.Context, envelope *Envelope) error {
	if envelope == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "webhook envelope required")
	}

	logCtx := s.logg.WithField(ctx, "webhook_event", envelope.Event)

	switch envelope.Event {
	case EventOrderCompleted:
		payload, err := envelope.orderPayload()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed order payload")
		}
		method, instrument := payload.paymentMode()
		s.applyOrderOutcome(logCtx, payload, reconcile.Outcome{
			Result:            enums.PaymentStatusSuccess,
			ProviderState:     payload.State,
			PaymentMethod:     method,
			PaymentInstrument: instrument,
			Source:            "webhook",
		})
		return nil
	case EventOrderFailed:
		payload, err := envelope.orderPayload()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed order payload")
		}
		s.applyOrderOutcome(logCtx, payload, reconcile.Outcome{
			Result:        enums.PaymentStatusFailed,
			ProviderState: payload.State,
			ErrorCode:     payload.ErrorCode,
			ErrorMessage:  payload.Message,
			Source:        "webhook",
		})
		return nil
	case EventRefundDone:
		payload, err := envelope.refundPayload()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed refund payload")
		}
		s.applyRefund(logCtx, payload)
		return nil
	case EventRefundFailed:
		payload, err := envelope.refundPayload()
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed refund payload")
		}
		refundCtx := s.logg.WithOrderID(logCtx, payload.OriginalMerchantOrderID)
		s.logg.Warn(refundCtx, "provider reported refund failure, manual review required")
		return nil
	default:
		s.logg.Info(logCtx, "unrecognized webhook event acknowledged")
		return nil
	}
}

func (s *Service) applyOrderOutcome(ctx context.Context, payload *OrderPayload, out reconcile.Outcome) {
	logCtx := s.logg.WithOrderID(ctx, payload.MerchantOrderID)

	key, fresh := s.claimDelivery(logCtx, string(out.Result), payload.MerchantOrderID)
	if !fresh {
		return
	}

	if _, _, err := s.engine.Apply(logCtx, payload.MerchantOrderID, out); err != nil {
		s.releaseDelivery(logCtx, key)
		s.logg.Error(logCtx, "webhook outcome not applied, queueing repair", err)
		s.requestRepair(logCtx, payload.MerchantOrderID, "webhook apply failed")
	}
}

func (s *Service) applyRefund(ctx context.Context, payload *RefundPayload) {
	logCtx := s.logg.WithOrderID(ctx, payload.OriginalMerchantOrderID)

	key, fresh := s.claimDelivery(logCtx, "refund", payload.OriginalMerchantOrderID)
	if !fresh {
		return
	}

	_, _, err := s.engine.ApplyRefund(logCtx, payload.OriginalMerchantOrderID, payload.MerchantRefundID, "", payload.Amount)
	if err == nil {
		return
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		// A refund confirmation for a payment that never reached success
		// cannot be healed by redelivery.
		s.logg.Warn(logCtx, "refund confirmation did not match a refundable payment")
		return
	}
	s.releaseDelivery(logCtx, key)
	s.logg.Error(logCtx, "refund confirmation not applied, queueing repair", err)
	s.requestRepair(logCtx, payload.OriginalMerchantOrderID, "refund webhook apply failed")
}

// claimDelivery marks this delivery as seen. A false return means another
// delivery of the same event already claimed it. Redis being down fails
// open: the engine's conditional updates remain the real guard.
func (s *Service) claimDelivery(ctx context.Context, kind, merchantOrderID string) (string, bool) {
	if s.idempotency == nil {
		return "", true
	}
	key := s.idempotency.IdempotencyKey(idempotencyScope, fmt.Sprintf("%s:%s", kind, merchantOrderID))
	claimed, err := s.idempotency.SetNX(ctx, key, s.now().UTC().Format(time.RFC3339), s.idempotencyTTL)
	if err != nil {
		s.logg.Warn(ctx, "idempotency store unavailable, relying on conditional updates")
		return "", true
	}
	if !claimed {
		s.logg.Info(ctx, "duplicate webhook delivery, skipped")
	}
	return key, claimed
}

// releaseDelivery frees the claim after a failed apply so a provider
// redelivery gets another chance.
func (s *Service) releaseDelivery(ctx context.Context, key string) {
	if s.idempotency == nil || key == "" {
		return
	}
	if err := s.idempotency.Del(ctx, key); err != nil {
		s.logg.Warn(ctx, "failed to release webhook idempotency claim")
	}
}

// requestRepair queues a reconcile request so the repair job re-derives the
// payment's state from the gateway. The webhook is still acknowledged.
func (s *Service) requestRepair(ctx context.Context, merchantOrderID, reason string) {
	payment, err := s.payments.FindByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		s.logg.Error(ctx, "cannot queue repair for unknown payment", err)
		return
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.EmitIfNotExists(ctx, tx, notify.ReconcileRequested(payment, reason, s.now().UTC()))
	})
	if err != nil {
		s.logg.Error(ctx, "failed to queue reconcile repair", err)
	}
}
