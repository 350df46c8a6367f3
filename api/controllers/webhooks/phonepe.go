package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/pagevault/pagevault-backend/api/responses"
	gatewaywebhook "github.com/pagevault/pagevault-backend/internal/webhooks/gateway"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type webhookProcessor interface {
	Process(ctx context.Context, envelope *gatewaywebhook.Envelope) error
}

type webhookVerifier interface {
	Verify(rawHeader string) bool
}

// PhonePeWebhook receives provider callbacks. An unverifiable signature is
// 401 and a malformed body is 400; everything else acknowledges 200 so the
// provider stops redelivering, with internal failures queued for repair by
// the service.
func PhonePeWebhook(svc webhookProcessor, verifier webhookVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		if !verifier.Verify(r.Header.Get("Authorization")) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature rejected"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		envelope, err := gatewaywebhook.ParseEnvelope(body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed webhook payload"))
			return
		}

		if err := svc.Process(ctx, envelope); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, nil)
	}
}
