package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

const expiryBatchSize = 200

const expiredErrorCode = "ORDER_EXPIRED"

type expiredPaymentsReader interface {
	FindExpiredLive(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
}

type outcomeApplier interface {
	Apply(ctx context.Context, merchantOrderID string, out reconcile.Outcome) (*models.Payment, bool, error)
}

// PaymentExpiryJobParams configure the expiry sweep.
type PaymentExpiryJobParams struct {
	Logger *logger.Logger
	Reader expiredPaymentsReader
	Engine outcomeApplier
	Now    func() time.Time
}

// NewPaymentExpiryJob builds the job that fails payments whose order window
// elapsed without a settled outcome. The transition goes through the same
// engine as webhooks, so a late success racing the sweep still applies only
// once.
func NewPaymentExpiryJob(params PaymentExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("expired payments reader required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &paymentExpiryJob{
		logg:   params.Logger,
		reader: params.Reader,
		engine: params.Engine,
		now:    now,
	}, nil
}

type paymentExpiryJob struct {
	logg   *logger.Logger
	reader expiredPaymentsReader
	engine outcomeApplier
	now    func() time.Time
}

func (j *paymentExpiryJob) Name() string { return "payment-expiry" }

func (j *paymentExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	expired, err := j.reader.FindExpiredLive(ctx, now, expiryBatchSize)
	if err != nil {
		return fmt.Errorf("query expired payments: %w", err)
	}

	var errs []error
	settled := 0
	for _, payment := range expired {
		_, applied, err := j.engine.Apply(ctx, payment.MerchantOrderID, reconcile.Outcome{
			Result:       enums.PaymentStatusFailed,
			ErrorCode:    expiredErrorCode,
			ErrorMessage: "payment window elapsed without a settled outcome",
			Source:       "janitor",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", payment.MerchantOrderID, err))
			continue
		}
		if applied {
			settled++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned": len(expired),
		"settled": settled,
	})
	j.logg.Info(logCtx, "payment expiry sweep complete")
	return multierr.Combine(errs...)
}
