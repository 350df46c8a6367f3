package phonepe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagevault/pagevault-backend/pkg/config"
	"github.com/pagevault/pagevault-backend/pkg/logger"
)

const (
	payPath    = "/pg/v1/pay"
	statusPath = "/pg/v1/status"
	refundPath = "/pg/v1/refund"

	verifyHeader   = "X-VERIFY"
	merchantHeader = "X-MERCHANT-ID"
)

var (
	errMerchantIDRequired = errors.New("phonepe merchant id is required")
	errSaltKeyRequired    = errors.New("phonepe salt key is required")
	errBaseURLRequired    = errors.New("phonepe base url is required")
)

// Client talks to the provider's REST surface with X-VERIFY request signing
// and a bounded timeout. It performs no automatic retries; callers rely on
// idempotent reconciliation instead.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	merchantID  string
	saltKey     string
	saltIndex   string
	redirectURL string
	orderExpiry time.Duration
	logger      *logger.Logger
}

// NewClient validates the credentials and builds the wrapper.
func NewClient(ctx context.Context, cfg config.PhonePeConfig, logg *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	merchantID := strings.TrimSpace(cfg.MerchantID)
	if merchantID == "" {
		return nil, errMerchantIDRequired
	}
	saltKey := strings.TrimSpace(cfg.SaltKey)
	if saltKey == "" {
		return nil, errSaltKeyRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		merchantID:  merchantID,
		saltKey:     saltKey,
		saltIndex:   cfg.SaltIndex,
		redirectURL: cfg.RedirectURL,
		orderExpiry: cfg.OrderExpiry,
		logger:      logg,
	}

	if logg != nil {
		logg.Info(ctx, "phonepe client initialized")
	}
	return c, nil
}

// MerchantID returns the configured merchant identifier.
func (c *Client) MerchantID() string {
	if c == nil {
		return ""
	}
	return c.merchantID
}

// DefaultOrderExpiry returns the configured order TTL quoted to the provider.
func (c *Client) DefaultOrderExpiry() time.Duration {
	if c == nil || c.orderExpiry <= 0 {
		return 20 * time.Minute
	}
	return c.orderExpiry
}

// RedirectURL returns the checkout redirect target passed on order creation.
func (c *Client) RedirectURL() string {
	if c == nil {
		return ""
	}
	return c.redirectURL
}

// CreateOrder opens an order with the provider for the given merchant order id.
func (c *Client) CreateOrder(ctx context.Context, params CreateOrderParams) (*CreateOrderResult, error) {
	const op = "create_order"
	if params.MerchantOrderID == "" {
		return nil, permanentErr(op, "MISSING_ORDER_ID", errors.New("merchant order id is required"))
	}
	if params.AmountMinor <= 0 {
		return nil, permanentErr(op, "INVALID_AMOUNT", fmt.Errorf("amount %d is not positive", params.AmountMinor))
	}

	redirect := params.RedirectURL
	if redirect == "" {
		redirect = c.redirectURL
	}
	expiresIn := params.ExpireAfterSeconds
	if expiresIn <= 0 {
		expiresIn = int64(c.DefaultOrderExpiry() / time.Second)
	}

	body := payRequest{
		MerchantID:            c.merchantID,
		MerchantTransactionID: params.MerchantOrderID,
		Amount:                params.AmountMinor,
		RedirectURL:           redirect,
		RedirectMode:          "POST",
		Message:               params.Message,
		ExpiresIn:             expiresIn,
		MetaInfo:              params.MetaInfo,
		PaymentInstrument:     payInstrument{Type: "PAY_PAGE"},
	}

	requestedAt := time.Now().UTC()
	resp, err := c.postSigned(ctx, op, payPath, body)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.mapRejection(op, resp.Code)
	}

	var data payResponseData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, transientErr(op, "MALFORMED_RESPONSE", err)
	}

	c.log(ctx, op, map[string]any{
		"merchant_order_id": params.MerchantOrderID,
		"gateway_order_id":  data.TransactionID,
		"code":              resp.Code,
	})

	return &CreateOrderResult{
		GatewayOrderID: data.TransactionID,
		State:          resp.Code,
		RedirectURL:    data.InstrumentResponse.RedirectInfo.URL,
		ExpireAt:       requestedAt.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// QueryStatus fetches and normalizes the provider's view of an order.
func (c *Client) QueryStatus(ctx context.Context, merchantOrderID string) (*StatusResult, error) {
	const op = "query_status"
	if merchantOrderID == "" {
		return nil, permanentErr(op, "MISSING_ORDER_ID", errors.New("merchant order id is required"))
	}

	path := fmt.Sprintf("%s/%s/%s", statusPath, c.merchantID, merchantOrderID)
	resp, err := c.getSigned(ctx, op, path)
	if err != nil {
		return nil, err
	}

	var data statusResponseData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, transientErr(op, "MALFORMED_RESPONSE", err)
		}
	}

	result := &StatusResult{
		State:             data.State,
		Outcome:           normalizeCode(resp.Code),
		PaymentInstrument: data.PaymentInstrument,
		PaymentMethod:     instrumentType(data.PaymentInstrument),
	}
	if result.Outcome == OutcomeFailed {
		result.ErrorCode = resp.Code
		result.ErrorMessage = resp.Message
	}

	c.log(ctx, op, map[string]any{
		"merchant_order_id": merchantOrderID,
		"code":              resp.Code,
		"state":             data.State,
	})
	return result, nil
}

// InitiateRefund asks the provider to return funds for a completed order.
func (c *Client) InitiateRefund(ctx context.Context, refundID, originalOrderID string, amountMinor int64, reason string) (*RefundResult, error) {
	const op = "initiate_refund"
	if refundID == "" || originalOrderID == "" {
		return nil, permanentErr(op, "MISSING_ORDER_ID", errors.New("refund id and original order id are required"))
	}

	body := refundRequest{
		MerchantID:            c.merchantID,
		MerchantTransactionID: refundID,
		OriginalTransactionID: originalOrderID,
		Amount:                amountMinor,
		Message:               reason,
	}

	resp, err := c.postSigned(ctx, op, refundPath, body)
	if err != nil {
		return nil, err
	}

	var data refundResponseData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, transientErr(op, "MALFORMED_RESPONSE", err)
		}
	}

	c.log(ctx, op, map[string]any{
		"refund_id":         refundID,
		"merchant_order_id": originalOrderID,
		"code":              resp.Code,
	})

	return &RefundResult{
		RefundID: refundID,
		Accepted: resp.Success,
		State:    data.State,
	}, nil
}

func (c *Client) postSigned(ctx context.Context, op, path string, payload any) (*apiResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, permanentErr(op, "ENCODE_REQUEST", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	bodyJSON, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return nil, permanentErr(op, "ENCODE_REQUEST", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, permanentErr(op, "BUILD_REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(verifyHeader, c.sign(encoded+path))

	return c.do(op, req)
}

func (c *Client) getSigned(ctx context.Context, op, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, permanentErr(op, "BUILD_REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(verifyHeader, c.sign(path))
	req.Header.Set(merchantHeader, c.merchantID)

	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) (*apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures may have reached the provider;
		// the order id stays reusable and reconciliation settles the truth.
		return nil, transientErr(op, "NETWORK", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transientErr(op, "READ_RESPONSE", err)
	}

	if resp.StatusCode >= 500 {
		return nil, transientErr(op, fmt.Sprintf("HTTP_%d", resp.StatusCode), nil)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, permanentErr(op, fmt.Sprintf("HTTP_%d", resp.StatusCode), nil)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, transientErr(op, "MALFORMED_RESPONSE", err)
	}

	if resp.StatusCode >= 400 && !parsed.Success {
		return nil, c.mapRejection(op, parsed.Code)
	}
	return &parsed, nil
}

// sign computes the X-VERIFY digest: SHA256(payload + saltKey) suffixed with
// the salt index.
func (c *Client) sign(payload string) string {
	sum := sha256.Sum256([]byte(payload + c.saltKey))
	return hex.EncodeToString(sum[:]) + "###" + c.saltIndex
}

func (c *Client) mapRejection(op, code string) *GatewayError {
	switch code {
	case "INTERNAL_SERVER_ERROR", "SERVICE_UNAVAILABLE", "TIMED_OUT":
		return transientErr(op, code, nil)
	default:
		// BAD_REQUEST, AUTHORIZATION_FAILED, DUPLICATE_TXN_REQUEST and the
		// like will not heal on their own.
		return permanentErr(op, code, nil)
	}
}

func (c *Client) log(ctx context.Context, op string, fields map[string]any) {
	if c.logger == nil {
		return
	}
	fields["operation"] = op
	logCtx := c.logger.WithFields(ctx, fields)
	c.logger.Info(logCtx, "phonepe call completed")
}

func normalizeCode(code string) Outcome {
	switch code {
	case "PAYMENT_SUCCESS", "COMPLETED":
		return OutcomeSuccess
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "PAYMENT_CANCELLED", "TIMED_OUT", "FAILED":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func instrumentType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Type
}
