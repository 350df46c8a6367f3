package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
)

type stubBooksRepo struct {
	book *models.Book
	err  error
}

func (s *stubBooksRepo) FindByID(_ context.Context, _ uuid.UUID) (*models.Book, error) {
	return s.book, s.err
}

func TestGetPurchasable(t *testing.T) {
	bookID := uuid.New()

	t.Run("converts price to paise", func(t *testing.T) {
		svc, err := NewService(&stubBooksRepo{book: &models.Book{
			ID:           bookID,
			Title:        "Systems Design",
			Price:        "199.00",
			IsPaid:       true,
			AssetLocator: "books/systems-design.epub",
		}})
		require.NoError(t, err)

		priced, err := svc.GetPurchasable(context.Background(), bookID)
		require.NoError(t, err)
		assert.Equal(t, int64(19900), priced.AmountMinor)
		assert.Equal(t, "INR", priced.Currency)
		assert.Equal(t, "books/systems-design.epub", priced.AssetLocator)
	})

	t.Run("missing book maps to not found", func(t *testing.T) {
		svc, err := NewService(&stubBooksRepo{err: gorm.ErrRecordNotFound})
		require.NoError(t, err)

		_, err = svc.GetPurchasable(context.Background(), bookID)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	})

	t.Run("free book rejected", func(t *testing.T) {
		svc, err := NewService(&stubBooksRepo{book: &models.Book{ID: bookID, Price: "0", IsPaid: false}})
		require.NoError(t, err)

		_, err = svc.GetPurchasable(context.Background(), bookID)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	})
}

func TestPriceToMinor(t *testing.T) {
	cases := []struct {
		price string
		want  int64
	}{
		{"199.00", 19900},
		{"199.99", 19999},
		{"0.005", 1},
		{"49.504", 4950},
		{"49.505", 4951},
	}
	for _, tc := range cases {
		got, err := PriceToMinor(tc.price)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "price %s", tc.price)
	}
}
