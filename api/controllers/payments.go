package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pagevault/pagevault-backend/api/middleware"
	"github.com/pagevault/pagevault-backend/api/responses"
	"github.com/pagevault/pagevault-backend/api/validators"
	"github.com/pagevault/pagevault-backend/internal/payments"
	"github.com/pagevault/pagevault-backend/internal/refunds"
	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type paymentCreateRequest struct {
	BookID string `json:"book_id" validate:"required,uuid"`
}

type refundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type paymentResponse struct {
	MerchantOrderID string              `json:"merchant_order_id"`
	BookID          uuid.UUID           `json:"book_id"`
	AmountMinor     int64               `json:"amount_minor"`
	Currency        string              `json:"currency"`
	Status          enums.PaymentStatus `json:"status"`
	RedirectURL     string              `json:"redirect_url,omitempty"`
	DownloadToken   *string             `json:"download_token,omitempty"`
	InitiatedAt     time.Time           `json:"initiated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	ExpireAt        *time.Time          `json:"expire_at,omitempty"`
	RefundedAt      *time.Time          `json:"refunded_at,omitempty"`
	ErrorCode       *string             `json:"error_code,omitempty"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
}

func paymentResponseFromModel(m *models.Payment, redirectURL string) paymentResponse {
	resp := paymentResponse{
		MerchantOrderID: m.MerchantOrderID,
		BookID:          m.BookID,
		AmountMinor:     m.AmountMinor,
		Currency:        m.Currency,
		Status:          m.Status,
		RedirectURL:     redirectURL,
		InitiatedAt:     m.InitiatedAt,
		CompletedAt:     m.CompletedAt,
		ExpireAt:        m.ExpireAt,
		RefundedAt:      m.RefundedAt,
		ErrorCode:       m.ErrorCode,
		ErrorMessage:    m.ErrorMessage,
	}
	// The token only travels to the owner, and only while it still works.
	if m.Status == enums.PaymentStatusSuccess && !m.TokenRevoked {
		resp.DownloadToken = m.DownloadToken
	}
	return resp
}

func authedUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return userID, nil
}

// PaymentCreate opens a purchase attempt for a book.
func PaymentCreate(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload paymentCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bookID, err := uuid.Parse(strings.TrimSpace(payload.BookID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid book_id"))
			return
		}

		result, err := svc.CreatePayment(r.Context(), userID, bookID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Reused {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, paymentResponseFromModel(result.Payment, result.RedirectURL))
	}
}

// PaymentDetail returns the caller's payment, polling the gateway for live orders.
func PaymentDetail(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		merchantOrderID := strings.TrimSpace(chi.URLParam(r, "merchantOrderId"))
		if merchantOrderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "merchant order id is required"))
			return
		}

		payment, err := svc.GetPayment(r.Context(), userID, merchantOrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, paymentResponseFromModel(payment, ""))
	}
}

// PaymentRefund runs the policy-gated refund workflow for the caller's payment.
func PaymentRefund(svc refunds.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "refund service unavailable"))
			return
		}

		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		merchantOrderID := strings.TrimSpace(chi.URLParam(r, "merchantOrderId"))
		if merchantOrderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "merchant order id is required"))
			return
		}

		var payload refundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.RequestRefund(r.Context(), userID, merchantOrderID, strings.TrimSpace(payload.Reason))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, paymentResponseFromModel(payment, ""))
	}
}
