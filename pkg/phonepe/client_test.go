package phonepe

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault-backend/pkg/config"
)

const testSalt = "salt-key"

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), config.PhonePeConfig{
		BaseURL:     baseURL,
		MerchantID:  "MERCHANT1",
		SaltKey:     testSalt,
		SaltIndex:   "1",
		RedirectURL: "https://pagevault.test/return",
		Timeout:     5 * time.Second,
		OrderExpiry: 20 * time.Minute,
	}, nil)
	require.NoError(t, err)
	return client
}

func expectedVerify(payload string) string {
	sum := sha256.Sum256([]byte(payload + testSalt))
	return hex.EncodeToString(sum[:]) + "###1"
}

func TestClient_CreateOrderSignsAndParses(t *testing.T) {
	var gotVerify string
	var gotBody struct {
		Request string `json:"request"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pg/v1/pay", r.URL.Path)
		gotVerify = r.Header.Get("X-VERIFY")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"code": "PAYMENT_INITIATED",
			"data": {
				"merchantTransactionId": "pv-order-1",
				"transactionId": "T2409151234",
				"instrumentResponse": {"redirectInfo": {"url": "https://pay.test/checkout"}}
			}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.CreateOrder(context.Background(), CreateOrderParams{
		MerchantOrderID:    "pv-order-1",
		AmountMinor:        19900,
		Message:            "Purchase of eBook",
		ExpireAfterSeconds: 1200,
	})
	require.NoError(t, err)

	assert.Equal(t, expectedVerify(gotBody.Request+"/pg/v1/pay"), gotVerify)
	assert.Equal(t, "T2409151234", result.GatewayOrderID)
	assert.Equal(t, "https://pay.test/checkout", result.RedirectURL)
	assert.WithinDuration(t, time.Now().UTC().Add(1200*time.Second), result.ExpireAt, 5*time.Second)

	decoded, err := base64.StdEncoding.DecodeString(gotBody.Request)
	require.NoError(t, err)
	var inner payRequest
	require.NoError(t, json.Unmarshal(decoded, &inner))
	assert.Equal(t, "MERCHANT1", inner.MerchantID)
	assert.Equal(t, int64(19900), inner.Amount)
	assert.Equal(t, "https://pagevault.test/return", inner.RedirectURL)
}

func TestClient_QueryStatusNormalizesOutcome(t *testing.T) {
	cases := []struct {
		code    string
		outcome Outcome
	}{
		{"PAYMENT_SUCCESS", OutcomeSuccess},
		{"COMPLETED", OutcomeSuccess},
		{"PAYMENT_ERROR", OutcomeFailed},
		{"PAYMENT_DECLINED", OutcomeFailed},
		{"TIMED_OUT", OutcomeFailed},
		{"PAYMENT_PENDING", OutcomePending},
		{"SOME_NEW_CODE", OutcomePending},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/pg/v1/status/MERCHANT1/pv-order-2", r.URL.Path)
				require.Equal(t, expectedVerify(r.URL.Path), r.Header.Get("X-VERIFY"))
				require.Equal(t, "MERCHANT1", r.Header.Get("X-MERCHANT-ID"))

				w.Header().Set("Content-Type", "application/json")
				body := map[string]any{
					"success": true,
					"code":    tc.code,
					"message": "status",
					"data": map[string]any{
						"merchantTransactionId": "pv-order-2",
						"transactionId":         "T1",
						"state":                 tc.code,
						"paymentInstrument":     map[string]any{"type": "UPI"},
					},
				}
				_ = json.NewEncoder(w).Encode(body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			result, err := client.QueryStatus(context.Background(), "pv-order-2")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
			if tc.outcome == OutcomeFailed {
				assert.Equal(t, tc.code, result.ErrorCode)
			}
			assert.Equal(t, "UPI", result.PaymentMethod)
		})
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.QueryStatus(context.Background(), "pv-order-3")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestClient_BadRequestIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success": false, "code": "BAD_REQUEST", "message": "merchant mismatch"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.CreateOrder(context.Background(), CreateOrderParams{
		MerchantOrderID: "pv-order-4",
		AmountMinor:     100,
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestClient_RefundAcceptance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pg/v1/refund", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "code": "PAYMENT_PENDING", "data": {"merchantTransactionId": "rf-1", "state": "ACCEPTED"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.InitiateRefund(context.Background(), "rf-1", "pv-order-5", 19900, "requested by customer")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "rf-1", result.RefundID)
	assert.Equal(t, "ACCEPTED", result.State)
}

func TestClient_RejectsMissingCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), config.PhonePeConfig{BaseURL: "https://x", MerchantID: "m"}, nil)
	require.Error(t, err)
}
