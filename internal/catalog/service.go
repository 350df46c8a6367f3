package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
)

type booksRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Book, error)
}

// PricedBook is a catalog row resolved into charge-ready values. AmountMinor
// is the list price converted to the currency's minor unit (paise).
type PricedBook struct {
	ID           uuid.UUID
	Title        string
	AmountMinor  int64
	Currency     string
	AssetLocator string
}

// Service resolves books into purchasable prices.
type Service interface {
	GetPurchasable(ctx context.Context, bookID uuid.UUID) (*PricedBook, error)
}

type service struct {
	repo booksRepository
}

// NewService builds a catalog service backed by the books projection.
func NewService(repo booksRepository) (Service, error) {
	if repo == nil {
		return nil, errors.New("books repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) GetPurchasable(ctx context.Context, bookID uuid.UUID) (*PricedBook, error) {
	if bookID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "book id is required")
	}

	book, err := s.repo.FindByID(ctx, bookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "book not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup book")
	}

	if !book.IsPaid {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "book is free and cannot be purchased")
	}

	amountMinor, err := PriceToMinor(book.Price)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "parse book price")
	}
	if amountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "book has no positive price")
	}

	return &PricedBook{
		ID:           book.ID,
		Title:        book.Title,
		AmountMinor:  amountMinor,
		Currency:     "INR",
		AssetLocator: book.AssetLocator,
	}, nil
}

// PriceToMinor converts a decimal rupee price into paise, rounding half up.
func PriceToMinor(price string) (int64, error) {
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return 0, err
	}
	return parsed.Shift(2).Round(0).IntPart(), nil
}
