package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault-backend/internal/entitlements"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
)

type stubEntitlementService struct {
	grant    *entitlements.DownloadGrant
	err      error
	gotToken string
}

func (s *stubEntitlementService) Resolve(_ context.Context, token string) (*entitlements.DownloadGrant, error) {
	s.gotToken = token
	if s.err != nil {
		return nil, s.err
	}
	return s.grant, nil
}

func newDownloadRouter(svc entitlements.Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/downloads/{token}", Download(svc, testLogger()))
	return r
}

func TestDownload(t *testing.T) {
	bookID := uuid.New()
	svc := &stubEntitlementService{grant: &entitlements.DownloadGrant{
		MerchantOrderID: "pv-dl-1",
		BookID:          bookID,
		Title:           "Concurrency Patterns",
		AssetLocator:    "gs://pagevault-assets/books/concurrency.epub",
		Remaining:       4,
	}}
	router := newDownloadRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok-abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tok-abc", svc.gotToken)

	var resp downloadResponse
	decodeData(t, rec.Body, &resp)
	assert.Equal(t, bookID, resp.BookID)
	assert.Equal(t, 4, resp.Remaining)
	assert.Contains(t, resp.AssetLocator, "concurrency.epub")
}

func TestDownload_DeniedTokenForbidden(t *testing.T) {
	svc := &stubEntitlementService{err: pkgerrors.New(pkgerrors.CodeForbidden, "download limit reached")}
	router := newDownloadRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok-spent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownload_UnknownTokenNotFound(t *testing.T) {
	svc := &stubEntitlementService{err: pkgerrors.New(pkgerrors.CodeNotFound, "download token not found")}
	router := newDownloadRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok-unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
