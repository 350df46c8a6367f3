package cron

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type stubExpiredReader struct {
	rows []models.Payment
	err  error
}

func (s *stubExpiredReader) FindExpiredLive(_ context.Context, _ time.Time, _ int) ([]models.Payment, error) {
	return s.rows, s.err
}

type stubApplier struct {
	outcomes map[string]reconcile.Outcome
	applied  map[string]bool
	errFor   map[string]error
}

func newStubApplier() *stubApplier {
	return &stubApplier{
		outcomes: map[string]reconcile.Outcome{},
		applied:  map[string]bool{},
		errFor:   map[string]error{},
	}
}

func (s *stubApplier) Apply(_ context.Context, merchantOrderID string, out reconcile.Outcome) (*models.Payment, bool, error) {
	if err := s.errFor[merchantOrderID]; err != nil {
		return nil, false, err
	}
	s.outcomes[merchantOrderID] = out
	alreadySettled := s.applied[merchantOrderID]
	s.applied[merchantOrderID] = true
	return &models.Payment{MerchantOrderID: merchantOrderID, Status: out.Result}, !alreadySettled, nil
}

func cronTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func TestPaymentExpiryJob(t *testing.T) {
	reader := &stubExpiredReader{rows: []models.Payment{
		{MerchantOrderID: "pv-exp-1", Status: enums.PaymentStatusPending},
		{MerchantOrderID: "pv-exp-2", Status: enums.PaymentStatusInitiated},
	}}
	applier := newStubApplier()
	job, err := NewPaymentExpiryJob(PaymentExpiryJobParams{
		Logger: cronTestLogger(),
		Reader: reader,
		Engine: applier,
	})
	require.NoError(t, err)
	assert.Equal(t, "payment-expiry", job.Name())

	require.NoError(t, job.Run(context.Background()))

	require.Len(t, applier.outcomes, 2)
	for _, id := range []string{"pv-exp-1", "pv-exp-2"} {
		out := applier.outcomes[id]
		assert.Equal(t, enums.PaymentStatusFailed, out.Result)
		assert.Equal(t, "ORDER_EXPIRED", out.ErrorCode)
		assert.Equal(t, "janitor", out.Source)
	}
}

func TestPaymentExpiryJob_PartialFailureKeepsSweeping(t *testing.T) {
	reader := &stubExpiredReader{rows: []models.Payment{
		{MerchantOrderID: "pv-exp-3", Status: enums.PaymentStatusPending},
		{MerchantOrderID: "pv-exp-4", Status: enums.PaymentStatusPending},
	}}
	applier := newStubApplier()
	applier.errFor["pv-exp-3"] = assert.AnError
	job, err := NewPaymentExpiryJob(PaymentExpiryJobParams{
		Logger: cronTestLogger(),
		Reader: reader,
		Engine: applier,
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, applier.applied["pv-exp-4"], "one failure must not stop the sweep")
}

func TestPaymentExpiryJob_EmptySweep(t *testing.T) {
	job, err := NewPaymentExpiryJob(PaymentExpiryJobParams{
		Logger: cronTestLogger(),
		Reader: &stubExpiredReader{},
		Engine: newStubApplier(),
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
}
