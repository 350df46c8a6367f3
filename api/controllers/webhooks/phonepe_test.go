package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatewaywebhook "github.com/pagevault/pagevault-backend/internal/webhooks/gateway"
	pkgerrors "github.com/pagevault/pagevault-backend/pkg/errors"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

type stubProcessor struct {
	calls int
	last  *gatewaywebhook.Envelope
	err   error
}

func (s *stubProcessor) Process(_ context.Context, envelope *gatewaywebhook.Envelope) error {
	s.calls++
	s.last = envelope
	return s.err
}

func webhookTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func webhookDigest(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

func newWebhookHandler(t *testing.T, svc *stubProcessor) http.HandlerFunc {
	t.Helper()
	verifier, err := gatewaywebhook.NewVerifier("hook-user", "hook-pass")
	require.NoError(t, err)
	return PhonePeWebhook(svc, verifier, webhookTestLogger())
}

func deliver(handler http.HandlerFunc, body []byte, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/phonepe", bytes.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func orderCompletedBody(t *testing.T, merchantOrderID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": gatewaywebhook.EventOrderCompleted,
		"payload": map[string]any{
			"merchantOrderId": merchantOrderID,
			"orderId":         "OMO123",
			"state":           "COMPLETED",
			"amount":          19900,
		},
	})
	require.NoError(t, err)
	return body
}

func TestPhonePeWebhook_AcksVerifiedDelivery(t *testing.T) {
	svc := &stubProcessor{}
	handler := newWebhookHandler(t, svc)

	rec := deliver(handler, orderCompletedBody(t, "pv-wh-1"), webhookDigest("hook-user", "hook-pass"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, svc.calls)
	assert.Equal(t, gatewaywebhook.EventOrderCompleted, svc.last.Event)
}

func TestPhonePeWebhook_RejectsBadSignature(t *testing.T) {
	svc := &stubProcessor{}
	handler := newWebhookHandler(t, svc)

	rec := deliver(handler, orderCompletedBody(t, "pv-wh-2"), webhookDigest("hook-user", "wrong-pass"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, svc.calls, "unverified payloads never reach the service")
}

func TestPhonePeWebhook_RejectsMissingHeader(t *testing.T) {
	svc := &stubProcessor{}
	handler := newWebhookHandler(t, svc)

	rec := deliver(handler, orderCompletedBody(t, "pv-wh-3"), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, svc.calls)
}

func TestPhonePeWebhook_MalformedBodyIs400(t *testing.T) {
	svc := &stubProcessor{}
	handler := newWebhookHandler(t, svc)

	rec := deliver(handler, []byte("{not json"), webhookDigest("hook-user", "hook-pass"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls)
}

func TestPhonePeWebhook_ServiceValidationErrorIs400(t *testing.T) {
	svc := &stubProcessor{err: pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing merchant order id")}
	handler := newWebhookHandler(t, svc)

	rec := deliver(handler, orderCompletedBody(t, ""), webhookDigest("hook-user", "hook-pass"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
