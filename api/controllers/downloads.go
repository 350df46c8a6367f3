package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pagevault/pagevault-backend/api/responses"
	"github.com/pagevault/pagevault-backend/internal/entitlements"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type downloadResponse struct {
	BookID       uuid.UUID `json:"book_id"`
	Title        string    `json:"title"`
	AssetLocator string    `json:"asset_locator"`
	Remaining    int       `json:"remaining_downloads"`
}

// Download spends one download against a token and hands back the asset
// locator. The token itself is the credential, so the route is not behind
// the bearer-auth middleware.
func Download(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}

		token := strings.TrimSpace(chi.URLParam(r, "token"))
		if token == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "download token is required"))
			return
		}

		grant, err := svc.Resolve(r.Context(), token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, downloadResponse{
			BookID:       grant.BookID,
			Title:        grant.Title,
			AssetLocator: grant.AssetLocator,
			Remaining:    grant.Remaining,
		})
	}
}
