package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/notify"
	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
	"github.com/pagevault/pagevault-backend/pkg/phonepe"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const repairBatchSize = 100

type repairQueue interface {
	FetchUnpublishedByType(eventType enums.OutboxEventType, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(id uuid.UUID) error
	MarkFailed(id uuid.UUID, err error) error
}

type statusQuerier interface {
	QueryStatus(ctx context.Context, merchantOrderID string) (*phonepe.StatusResult, error)
}

type settledPaymentsReader interface {
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
}

// ReconcileRepairJobParams configure the repair job.
type ReconcileRepairJobParams struct {
	Logger      *logger.Logger
	Queue       repairQueue
	Payments    settledPaymentsReader
	Gateway     statusQuerier
	Engine      outcomeApplier
	MaxAttempts int
}

// NewReconcileRepairJob builds the job that replays queued reconcile
// requests. Each request re-derives the payment's state from the gateway and
// pushes it through the same engine as the webhook path.
func NewReconcileRepairJob(params ReconcileRepairJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("repair queue required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments reader required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &reconcileRepairJob{
		logg:        params.Logger,
		queue:       params.Queue,
		payments:    params.Payments,
		gateway:     params.Gateway,
		engine:      params.Engine,
		maxAttempts: maxAttempts,
	}, nil
}

type reconcileRepairJob struct {
	logg        *logger.Logger
	queue       repairQueue
	payments    settledPaymentsReader
	gateway     statusQuerier
	engine      outcomeApplier
	maxAttempts int
}

func (j *reconcileRepairJob) Name() string { return "reconcile-repair" }

func (j *reconcileRepairJob) Run(ctx context.Context) error {
	requests, err := j.queue.FetchUnpublishedByType(enums.EventReconcileRequested, repairBatchSize, j.maxAttempts)
	if err != nil {
		return fmt.Errorf("fetch repair requests: %w", err)
	}

	var errs []error
	repaired := 0
	for _, request := range requests {
		done, err := j.repair(ctx, request)
		if err != nil {
			errs = append(errs, err)
			if markErr := j.queue.MarkFailed(request.ID, err); markErr != nil {
				errs = append(errs, fmt.Errorf("mark repair failed: %w", markErr))
			}
			continue
		}
		if done {
			if markErr := j.queue.MarkPublished(request.ID); markErr != nil {
				errs = append(errs, fmt.Errorf("mark repair done: %w", markErr))
				continue
			}
			repaired++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"requests": len(requests),
		"repaired": repaired,
	})
	j.logg.Info(logCtx, "reconcile repair sweep complete")
	return multierr.Combine(errs...)
}

// repair resolves one request. Done means the request is settled and can be
// retired; false with a nil error is impossible by construction, and false
// with an error leaves the request queued for the next cycle.
func (j *reconcileRepairJob) repair(ctx context.Context, request models.OutboxEvent) (bool, error) {
	merchantOrderID, err := merchantOrderIDFromRequest(request)
	if err != nil {
		// Undecodable requests would loop forever; retire them loudly.
		j.logg.Error(ctx, "dropping undecodable repair request", err)
		return true, nil
	}

	logCtx := j.logg.WithOrderID(ctx, merchantOrderID)

	payment, err := j.payments.FindByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			j.logg.Warn(logCtx, "repair request for unknown payment retired")
			return true, nil
		}
		return false, fmt.Errorf("load payment %s: %w", merchantOrderID, err)
	}
	if payment.Status.IsTerminal() || payment.Status == enums.PaymentStatusSuccess {
		// Another path settled it first.
		return true, nil
	}

	status, err := j.gateway.QueryStatus(ctx, merchantOrderID)
	if err != nil {
		return false, fmt.Errorf("query status %s: %w", merchantOrderID, err)
	}

	switch status.Outcome {
	case phonepe.OutcomeSuccess:
		_, _, err = j.engine.Apply(ctx, merchantOrderID, reconcile.Outcome{
			Result:            enums.PaymentStatusSuccess,
			ProviderState:     status.State,
			PaymentMethod:     status.PaymentMethod,
			PaymentInstrument: status.PaymentInstrument,
			Source:            "repair",
		})
	case phonepe.OutcomeFailed:
		_, _, err = j.engine.Apply(ctx, merchantOrderID, reconcile.Outcome{
			Result:        enums.PaymentStatusFailed,
			ProviderState: status.State,
			ErrorCode:     status.ErrorCode,
			ErrorMessage:  status.ErrorMessage,
			Source:        "repair",
		})
	default:
		return false, fmt.Errorf("payment %s still pending at gateway", merchantOrderID)
	}
	if err != nil {
		return false, fmt.Errorf("apply repaired outcome %s: %w", merchantOrderID, err)
	}
	return true, nil
}

func merchantOrderIDFromRequest(request models.OutboxEvent) (string, error) {
	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(request.Payload, &envelope); err != nil {
		return "", fmt.Errorf("decode repair envelope: %w", err)
	}
	var data notify.ReconcileRequestedEvent
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", fmt.Errorf("decode repair payload: %w", err)
	}
	if data.MerchantOrderID == "" {
		return "", errors.New("repair payload missing merchant order id")
	}
	return data.MerchantOrderID, nil
}
