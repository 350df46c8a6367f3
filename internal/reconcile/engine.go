package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/entitlements"
	"github.com/pagevault/pagevault-backend/internal/notify"
	"github.com/pagevault/pagevault-backend/pkg/config"
	pkgdb "github.com/pagevault/pagevault-backend/pkg/db"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/metrics"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type transitionsRepo interface {
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
	MarkSuccess(ctx context.Context, merchantOrderID string, update SuccessUpdate) (int64, error)
	MarkFailed(ctx context.Context, merchantOrderID, errorCode, errorMessage string, completedAt time.Time) (int64, error)
	MarkRefunded(ctx context.Context, merchantOrderID, refundID, reason string, amountMinor int64, refundedAt time.Time) (int64, error)
}

type repoFactory func(tx *gorm.DB) transitionsRepo

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Outcome is a settled gateway result ready to be applied to a payment.
type Outcome struct {
	Result            enums.PaymentStatus
	ProviderState     string
	ErrorCode         string
	ErrorMessage      string
	PaymentMethod     string
	PaymentInstrument json.RawMessage
	Source            string
}

// errTransitionMissed signals that the conditional update hit zero rows.
var errTransitionMissed = errors.New("transition missed")

// EngineParams configure the reconciliation engine.
type EngineParams struct {
	DB           txRunner
	Repo         *Repository
	RepoFactory  repoFactory
	Outbox       outboxEmitter
	Metrics      *metrics.PaymentMetrics
	Logger       *logger.Logger
	Entitlements config.EntitlementsConfig
	Now          func() time.Time
}

// Engine applies settled outcomes to payments. Every transition is a single
// conditional update, so the same event can arrive from the webhook, the
// status poll, and the repair job in any order and apply exactly once.
type Engine struct {
	db           txRunner
	repo         *Repository
	repoFactory  repoFactory
	outbox       outboxEmitter
	metrics      *metrics.PaymentMetrics
	logg         *logger.Logger
	entitlements config.EntitlementsConfig
	now          func() time.Time
}

// NewEngine builds the reconciliation engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repo == nil {
		return nil, errors.New("transition repository required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Entitlements.MaxDownloads <= 0 {
		return nil, fmt.Errorf("entitlement max downloads must be positive, got %d", params.Entitlements.MaxDownloads)
	}
	repoFactoryFn := params.RepoFactory
	if repoFactoryFn == nil {
		repoFactoryFn = func(tx *gorm.DB) transitionsRepo {
			return params.Repo.WithTx(tx)
		}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:           params.DB,
		repo:         params.Repo,
		repoFactory:  repoFactoryFn,
		outbox:       params.Outbox,
		metrics:      params.Metrics,
		logg:         params.Logger,
		entitlements: params.Entitlements,
		now:          now,
	}, nil
}

// MarkPending records gateway acceptance of a new order. Applying it twice is
// a logged no-op.
func (e *Engine) MarkPending(ctx context.Context, merchantOrderID, gatewayOrderID string, expireAt time.Time) error {
	affected, err := e.repo.MarkPending(ctx, merchantOrderID, gatewayOrderID, expireAt)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment pending")
	}
	logCtx := e.logg.WithOrderID(ctx, merchantOrderID)
	if affected == 0 {
		e.logg.Info(logCtx, "payment already left initiated, skipped")
		e.recordDuplicate(enums.PaymentStatusPending)
		return nil
	}
	e.recordTransition(enums.PaymentStatusInitiated, enums.PaymentStatusPending)
	e.logg.Info(logCtx, "payment pending at gateway")
	return nil
}

// Apply settles a payment with a terminal gateway outcome. The returned bool
// reports whether this call performed the transition; false with a nil error
// means the payment was already settled and the event was absorbed.
func (e *Engine) Apply(ctx context.Context, merchantOrderID string, out Outcome) (*models.Payment, bool, error) {
	if out.Result != enums.PaymentStatusSuccess && out.Result != enums.PaymentStatusFailed {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("outcome %q is not terminal", out.Result))
	}

	logCtx := e.logg.WithFields(ctx, map[string]any{
		"merchant_order_id": merchantOrderID,
		"outcome":           out.Result.String(),
		"source":            out.Source,
	})

	var settled *models.Payment
	var from enums.PaymentStatus
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.repoFactory(tx)

		current, err := repo.FindByMerchantOrderID(ctx, merchantOrderID)
		if err != nil {
			return err
		}
		from = current.Status

		now := e.now().UTC()
		var affected int64
		switch out.Result {
		case enums.PaymentStatusSuccess:
			grant, err := entitlements.NewGrant(e.entitlements.MaxDownloads, e.entitlements.TokenTTL, now)
			if err != nil {
				return err
			}
			affected, err = repo.MarkSuccess(ctx, merchantOrderID, SuccessUpdate{
				ProviderState:     out.ProviderState,
				PaymentMethod:     out.PaymentMethod,
				PaymentInstrument: out.PaymentInstrument,
				Grant:             grant,
				CompletedAt:       now,
			})
			if err != nil {
				return err
			}
		case enums.PaymentStatusFailed:
			affected, err = repo.MarkFailed(ctx, merchantOrderID, out.ErrorCode, out.ErrorMessage, now)
			if err != nil {
				return err
			}
		}
		if affected == 0 {
			return errTransitionMissed
		}

		settled, err = repo.FindByMerchantOrderID(ctx, merchantOrderID)
		if err != nil {
			return err
		}

		var event outbox.DomainEvent
		if out.Result == enums.PaymentStatusSuccess {
			event = notify.Succeeded(settled, now)
		} else {
			event = notify.Failed(settled, out.ErrorCode, out.ErrorMessage, now)
		}
		return e.outbox.Emit(ctx, tx, event)
	})

	if err == nil {
		e.recordTransition(from, out.Result)
		e.logg.Info(logCtx, "payment settled")
		return settled, true, nil
	}
	if errors.Is(err, errTransitionMissed) {
		return e.absorbMissedTransition(logCtx, merchantOrderID, out.Result)
	}
	if pkgdb.IsUniqueViolation(err, entitlementOwnershipIndex) {
		// A sibling order for the same (user, book) already settled success.
		// The index holds the invariant; this event is absorbed like any
		// other duplicate and the row stays live for the expiry sweep.
		current, loadErr := e.repo.FindByMerchantOrderID(ctx, merchantOrderID)
		if loadErr != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, loadErr, "reload payment")
		}
		e.logg.Warn(logCtx, "entitlement already granted by a sibling payment, success absorbed")
		e.recordDuplicate(out.Result)
		return current, false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply payment outcome")
}

// ApplyRefund moves a successful payment to refunded. It is safe to call from
// both the refund workflow and the provider's refund webhook.
func (e *Engine) ApplyRefund(ctx context.Context, merchantOrderID, refundID, reason string, amountMinor int64) (*models.Payment, bool, error) {
	logCtx := e.logg.WithFields(ctx, map[string]any{
		"merchant_order_id": merchantOrderID,
		"refund_id":         refundID,
	})

	var settled *models.Payment
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.repoFactory(tx)

		now := e.now().UTC()
		affected, err := repo.MarkRefunded(ctx, merchantOrderID, refundID, reason, amountMinor, now)
		if err != nil {
			return err
		}
		if affected == 0 {
			return errTransitionMissed
		}

		settled, err = repo.FindByMerchantOrderID(ctx, merchantOrderID)
		if err != nil {
			return err
		}
		return e.outbox.Emit(ctx, tx, notify.Refunded(settled, refundID, amountMinor, now))
	})

	if err == nil {
		e.recordTransition(enums.PaymentStatusSuccess, enums.PaymentStatusRefunded)
		e.logg.Info(logCtx, "payment refunded")
		return settled, true, nil
	}
	if errors.Is(err, errTransitionMissed) {
		current, loadErr := e.repo.FindByMerchantOrderID(ctx, merchantOrderID)
		if loadErr != nil {
			if errors.Is(loadErr, gorm.ErrRecordNotFound) {
				return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
			}
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, loadErr, "reload payment")
		}
		if current.Status == enums.PaymentStatusRefunded {
			e.logg.Info(logCtx, "payment already refunded, skipped")
			e.recordDuplicate(enums.PaymentStatusRefunded)
			return current, false, nil
		}
		return current, false, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("payment is %s, only successful payments can be refunded", current.Status))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply refund")
}

// absorbMissedTransition decides whether a zero-row update was a duplicate
// event or a genuine conflict. Both resolve without error: terminal states
// are immutable and late events are absorbed, not retried.
func (e *Engine) absorbMissedTransition(ctx context.Context, merchantOrderID string, target enums.PaymentStatus) (*models.Payment, bool, error) {
	current, err := e.repo.FindByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}

	if current.Status == target {
		e.logg.Info(ctx, fmt.Sprintf("payment already %s, skipped", target))
		e.recordDuplicate(target)
		return current, false, nil
	}

	conflictCtx := e.logg.WithField(ctx, "current_status", current.Status.String())
	e.logg.Warn(conflictCtx, "conflicting outcome for settled payment ignored")
	e.recordDuplicate(target)
	return current, false, nil
}

func (e *Engine) recordTransition(from, to enums.PaymentStatus) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncTransition(from.String(), to.String())
}

func (e *Engine) recordDuplicate(to enums.PaymentStatus) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncDuplicate(to.String())
}
