package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/internal/notify"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
	"github.com/pagevault/pagevault-backend/pkg/phonepe"
)

type stubQueue struct {
	rows      []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
}

func (s *stubQueue) FetchUnpublishedByType(_ enums.OutboxEventType, _, _ int) ([]models.OutboxEvent, error) {
	return s.rows, nil
}

func (s *stubQueue) MarkPublished(id uuid.UUID) error {
	s.published = append(s.published, id)
	return nil
}

func (s *stubQueue) MarkFailed(id uuid.UUID, _ error) error {
	s.failed = append(s.failed, id)
	return nil
}

type stubSettledReader struct {
	payments map[string]*models.Payment
}

func (s *stubSettledReader) FindByMerchantOrderID(_ context.Context, merchantOrderID string) (*models.Payment, error) {
	if payment, ok := s.payments[merchantOrderID]; ok {
		return payment, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type stubStatusQuerier struct {
	results map[string]*phonepe.StatusResult
	err     error
}

func (s *stubStatusQuerier) QueryStatus(_ context.Context, merchantOrderID string) (*phonepe.StatusResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results[merchantOrderID], nil
}

func repairRequest(t *testing.T, merchantOrderID string) models.OutboxEvent {
	t.Helper()
	data, err := json.Marshal(notify.ReconcileRequestedEvent{
		MerchantOrderID: merchantOrderID,
		Reason:          "webhook apply failed",
		RequestedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	require.NoError(t, err)
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventReconcileRequested,
		AggregateType: enums.AggregatePayment,
		AggregateID:   uuid.New(),
		Payload:       payload,
	}
}

func newRepairJob(t *testing.T, queue *stubQueue, reader *stubSettledReader, gateway *stubStatusQuerier, applier *stubApplier) Job {
	t.Helper()
	job, err := NewReconcileRepairJob(ReconcileRepairJobParams{
		Logger:   cronTestLogger(),
		Queue:    queue,
		Payments: reader,
		Gateway:  gateway,
		Engine:   applier,
	})
	require.NoError(t, err)
	return job
}

func TestReconcileRepairJob_SettlesFromGateway(t *testing.T) {
	request := repairRequest(t, "pv-rep-1")
	queue := &stubQueue{rows: []models.OutboxEvent{request}}
	reader := &stubSettledReader{payments: map[string]*models.Payment{
		"pv-rep-1": {MerchantOrderID: "pv-rep-1", Status: enums.PaymentStatusPending},
	}}
	gateway := &stubStatusQuerier{results: map[string]*phonepe.StatusResult{
		"pv-rep-1": {State: "COMPLETED", Outcome: phonepe.OutcomeSuccess, PaymentMethod: "UPI"},
	}}
	applier := newStubApplier()
	job := newRepairJob(t, queue, reader, gateway, applier)

	require.NoError(t, job.Run(context.Background()))

	require.Contains(t, applier.outcomes, "pv-rep-1")
	assert.Equal(t, enums.PaymentStatusSuccess, applier.outcomes["pv-rep-1"].Result)
	assert.Equal(t, "repair", applier.outcomes["pv-rep-1"].Source)
	assert.Equal(t, []uuid.UUID{request.ID}, queue.published)
}

func TestReconcileRepairJob_AlreadySettledRetiresRequest(t *testing.T) {
	request := repairRequest(t, "pv-rep-2")
	queue := &stubQueue{rows: []models.OutboxEvent{request}}
	reader := &stubSettledReader{payments: map[string]*models.Payment{
		"pv-rep-2": {MerchantOrderID: "pv-rep-2", Status: enums.PaymentStatusSuccess},
	}}
	applier := newStubApplier()
	job := newRepairJob(t, queue, reader, &stubStatusQuerier{}, applier)

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, applier.outcomes, "settled payments are not re-applied")
	assert.Equal(t, []uuid.UUID{request.ID}, queue.published)
}

func TestReconcileRepairJob_StillPendingRetriesLater(t *testing.T) {
	request := repairRequest(t, "pv-rep-3")
	queue := &stubQueue{rows: []models.OutboxEvent{request}}
	reader := &stubSettledReader{payments: map[string]*models.Payment{
		"pv-rep-3": {MerchantOrderID: "pv-rep-3", Status: enums.PaymentStatusPending},
	}}
	gateway := &stubStatusQuerier{results: map[string]*phonepe.StatusResult{
		"pv-rep-3": {State: "PENDING", Outcome: phonepe.OutcomePending},
	}}
	job := newRepairJob(t, queue, reader, gateway, newStubApplier())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, queue.published)
	assert.Equal(t, []uuid.UUID{request.ID}, queue.failed)
}

func TestReconcileRepairJob_UnknownPaymentRetired(t *testing.T) {
	request := repairRequest(t, "pv-rep-4")
	queue := &stubQueue{rows: []models.OutboxEvent{request}}
	job := newRepairJob(t, queue, &stubSettledReader{}, &stubStatusQuerier{}, newStubApplier())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []uuid.UUID{request.ID}, queue.published)
}

func TestReconcileRepairJob_UndecodableRequestRetired(t *testing.T) {
	request := models.OutboxEvent{
		ID:        uuid.New(),
		EventType: enums.EventReconcileRequested,
		Payload:   json.RawMessage(`{"version": 1, "data": {}}`),
	}
	queue := &stubQueue{rows: []models.OutboxEvent{request}}
	job := newRepairJob(t, queue, &stubSettledReader{}, &stubStatusQuerier{}, newStubApplier())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []uuid.UUID{request.ID}, queue.published)
}
