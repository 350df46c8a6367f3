package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault-backend/api/middleware"
	"github.com/pagevault/pagevault-backend/internal/payments"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type stubPaymentService struct {
	createResult *payments.CreatePaymentResult
	createErr    error
	payment      *models.Payment
	getErr       error

	gotUserID uuid.UUID
	gotBookID uuid.UUID
	gotOrder  string
}

func (s *stubPaymentService) CreatePayment(_ context.Context, userID, bookID uuid.UUID) (*payments.CreatePaymentResult, error) {
	s.gotUserID = userID
	s.gotBookID = bookID
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResult, nil
}

func (s *stubPaymentService) GetPayment(_ context.Context, userID uuid.UUID, merchantOrderID string) (*models.Payment, error) {
	s.gotUserID = userID
	s.gotOrder = merchantOrderID
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.payment, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func authedRequest(t *testing.T, method, target string, userID uuid.UUID, body any) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
}

func decodeData(t *testing.T, body *bytes.Buffer, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func TestPaymentCreate(t *testing.T) {
	userID := uuid.New()
	bookID := uuid.New()
	svc := &stubPaymentService{createResult: &payments.CreatePaymentResult{
		Payment: &models.Payment{
			MerchantOrderID: "pv-abc-12345678",
			BookID:          bookID,
			AmountMinor:     19900,
			Currency:        "INR",
			Status:          enums.PaymentStatusPending,
			InitiatedAt:     time.Now().UTC(),
		},
		RedirectURL: "https://pay.example/redirect",
	}}
	handler := PaymentCreate(svc, testLogger())

	req := authedRequest(t, http.MethodPost, "/api/v1/payments", userID, map[string]string{"book_id": bookID.String()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, userID, svc.gotUserID)
	assert.Equal(t, bookID, svc.gotBookID)

	var resp paymentResponse
	decodeData(t, rec.Body, &resp)
	assert.Equal(t, "pv-abc-12345678", resp.MerchantOrderID)
	assert.Equal(t, "https://pay.example/redirect", resp.RedirectURL)
	assert.Nil(t, resp.DownloadToken)
}

func TestPaymentCreate_ReusedReturns200(t *testing.T) {
	token := "tok-1"
	svc := &stubPaymentService{createResult: &payments.CreatePaymentResult{
		Payment: &models.Payment{
			MerchantOrderID: "pv-owned-1",
			Status:          enums.PaymentStatusSuccess,
			DownloadToken:   &token,
		},
		Reused: true,
	}}
	handler := PaymentCreate(svc, testLogger())

	req := authedRequest(t, http.MethodPost, "/api/v1/payments", uuid.New(), map[string]string{"book_id": uuid.NewString()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp paymentResponse
	decodeData(t, rec.Body, &resp)
	require.NotNil(t, resp.DownloadToken)
	assert.Equal(t, token, *resp.DownloadToken)
}

func TestPaymentCreate_RejectsBadBody(t *testing.T) {
	handler := PaymentCreate(&stubPaymentService{}, testLogger())

	req := authedRequest(t, http.MethodPost, "/api/v1/payments", uuid.New(), map[string]string{"book_id": "not-a-uuid"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentCreate_RequiresUserContext(t *testing.T) {
	handler := PaymentCreate(&stubPaymentService{}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader([]byte(`{"book_id":"x"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func newDetailRouter(svc payments.Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/payments/{merchantOrderId}", PaymentDetail(svc, testLogger()))
	return r
}

func TestPaymentDetail(t *testing.T) {
	revokedToken := "tok-revoked"
	svc := &stubPaymentService{payment: &models.Payment{
		MerchantOrderID: "pv-get-1",
		Status:          enums.PaymentStatusRefunded,
		DownloadToken:   &revokedToken,
		TokenRevoked:    true,
	}}
	router := newDetailRouter(svc)

	req := authedRequest(t, http.MethodGet, "/api/v1/payments/pv-get-1", uuid.New(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pv-get-1", svc.gotOrder)

	var resp paymentResponse
	decodeData(t, rec.Body, &resp)
	assert.Equal(t, enums.PaymentStatusRefunded, resp.Status)
	assert.Nil(t, resp.DownloadToken, "revoked tokens never leave the API")
}

func TestPaymentDetail_NotFound(t *testing.T) {
	svc := &stubPaymentService{getErr: pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")}
	router := newDetailRouter(svc)

	req := authedRequest(t, http.MethodGet, "/api/v1/payments/pv-missing", uuid.New(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubRefundService struct {
	payment   *models.Payment
	err       error
	gotReason string
}

func (s *stubRefundService) RequestRefund(_ context.Context, _ uuid.UUID, _ string, reason string) (*models.Payment, error) {
	s.gotReason = reason
	if s.err != nil {
		return nil, s.err
	}
	return s.payment, nil
}

func newRefundRouter(svc *stubRefundService) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/payments/{merchantOrderId}/refund", PaymentRefund(svc, testLogger()))
	return r
}

func TestPaymentRefund(t *testing.T) {
	svc := &stubRefundService{payment: &models.Payment{
		MerchantOrderID: "pv-ref-1",
		Status:          enums.PaymentStatusRefunded,
	}}
	router := newRefundRouter(svc)

	req := authedRequest(t, http.MethodPost, "/api/v1/payments/pv-ref-1/refund", uuid.New(), map[string]string{"reason": "accidental purchase"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accidental purchase", svc.gotReason)
}

func TestPaymentRefund_PolicyViolation(t *testing.T) {
	svc := &stubRefundService{err: pkgerrors.New(pkgerrors.CodePolicyViolation, "refund window expired").
		WithDetails(map[string]string{"reason": "window_expired"})}
	router := newRefundRouter(svc)

	req := authedRequest(t, http.MethodPost, "/api/v1/payments/pv-ref-2/refund", uuid.New(), map[string]string{"reason": "too late"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(pkgerrors.CodePolicyViolation), envelope.Error.Code)
	assert.Equal(t, "refund window expired", envelope.Error.Message)
	assert.Equal(t, "window_expired", envelope.Error.Details["reason"])
}

func TestPaymentRefund_RequiresReason(t *testing.T) {
	svc := &stubRefundService{}
	router := newRefundRouter(svc)

	req := authedRequest(t, http.MethodPost, "/api/v1/payments/pv-ref-3/refund", uuid.New(), map[string]string{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
