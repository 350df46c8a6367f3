package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	pgDup := &pgconn.PgError{Code: "23505", ConstraintName: "idx_payments_user_book_success"}

	assert.True(t, IsUniqueViolation(pgDup, ""))
	assert.True(t, IsUniqueViolation(pgDup, "idx_payments_user_book_success"))
	assert.False(t, IsUniqueViolation(pgDup, "payments_download_token_key"))

	otherPg := &pgconn.PgError{Code: "23503"}
	assert.False(t, IsUniqueViolation(otherPg, ""))

	sqliteDup := errors.New("UNIQUE constraint failed: payments.user_id, payments.book_id")
	assert.True(t, IsUniqueViolation(sqliteDup, "idx_payments_user_book_success"))

	assert.False(t, IsUniqueViolation(nil, ""))
	assert.False(t, IsUniqueViolation(errors.New("connection reset"), ""))
}
