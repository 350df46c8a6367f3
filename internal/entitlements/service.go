package entitlements

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
)

type entitlementRepository interface {
	FindByToken(ctx context.Context, token string) (*models.Payment, error)
	ConsumeDownload(ctx context.Context, token string, now time.Time) (int64, error)
}

type booksRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Book, error)
}

// DownloadGrant is one authorized download of a purchased book.
type DownloadGrant struct {
	MerchantOrderID string
	BookID          uuid.UUID
	Title           string
	AssetLocator    string
	Remaining       int
}

// Service resolves download tokens into authorized downloads.
type Service interface {
	Resolve(ctx context.Context, token string) (*DownloadGrant, error)
}

// ServiceParams configure the entitlement service.
type ServiceParams struct {
	Repo   entitlementRepository
	Books  booksRepository
	Logger *logger.Logger
	Now    func() time.Time
}

type service struct {
	repo  entitlementRepository
	books booksRepository
	logg  *logger.Logger
	now   func() time.Time
}

// NewService builds the entitlement service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, errors.New("entitlement repository required")
	}
	if params.Books == nil {
		return nil, errors.New("books repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:  params.Repo,
		books: params.Books,
		logg:  params.Logger,
		now:   now,
	}, nil
}

// Resolve spends one download against the token. The increment is a single
// conditional update, so concurrent requests on the last remaining download
// cannot both pass.
func (s *service) Resolve(ctx context.Context, token string) (*DownloadGrant, error) {
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "download token is required")
	}

	now := s.now().UTC()
	affected, err := s.repo.ConsumeDownload(ctx, token, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "consume download")
	}
	if affected == 0 {
		return nil, s.classifyDenial(ctx, token, now)
	}

	payment, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment for token")
	}

	book, err := s.books.FindByID(ctx, payment.BookID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup book asset")
	}

	remaining := payment.MaxDownloads - payment.DownloadCount
	if remaining < 0 {
		remaining = 0
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"merchant_order_id": payment.MerchantOrderID,
		"book_id":           payment.BookID.String(),
		"remaining":         remaining,
	})
	s.logg.Info(logCtx, "download authorized")

	return &DownloadGrant{
		MerchantOrderID: payment.MerchantOrderID,
		BookID:          payment.BookID,
		Title:           book.Title,
		AssetLocator:    book.AssetLocator,
		Remaining:       remaining,
	}, nil
}

// classifyDenial reloads the row to report why the conditional update missed.
func (s *service) classifyDenial(ctx context.Context, token string, now time.Time) error {
	payment, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "download token not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment for token")
	}

	switch {
	case payment.TokenRevoked:
		return pkgerrors.New(pkgerrors.CodeForbidden, "download token revoked")
	case payment.Status != enums.PaymentStatusSuccess:
		return pkgerrors.New(pkgerrors.CodeForbidden, "payment is no longer entitled")
	case payment.TokenExpiresAt != nil && !payment.TokenExpiresAt.After(now):
		return pkgerrors.New(pkgerrors.CodeForbidden, "download token expired")
	case payment.DownloadCount >= payment.MaxDownloads:
		return pkgerrors.New(pkgerrors.CodeForbidden, "download limit reached")
	default:
		// The row changed between the update and the reload.
		return pkgerrors.New(pkgerrors.CodeConflict, "download denied")
	}
}
