package phonepe

import (
	"encoding/json"
	"time"
)

// Outcome is the provider state collapsed onto the three results the
// reconciliation engine understands.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomePending Outcome = "PENDING"
)

// CreateOrderParams carries everything needed to open an order with the
// provider. MerchantOrderID is minted by the caller and is the only key the
// caller ever needs afterwards.
type CreateOrderParams struct {
	MerchantOrderID    string
	AmountMinor        int64
	RedirectURL        string
	Message            string
	ExpireAfterSeconds int64
	MetaInfo           map[string]string
}

// CreateOrderResult is the provider's acceptance of a new order.
type CreateOrderResult struct {
	GatewayOrderID string
	State          string
	RedirectURL    string
	ExpireAt       time.Time
}

// StatusResult is the provider's view of an order, normalized.
type StatusResult struct {
	State             string
	Outcome           Outcome
	ErrorCode         string
	ErrorMessage      string
	PaymentMethod     string
	PaymentInstrument json.RawMessage
}

// RefundResult reports whether the provider accepted a refund request.
type RefundResult struct {
	RefundID string
	Accepted bool
	State    string
}

type payRequest struct {
	MerchantID            string            `json:"merchantId"`
	MerchantTransactionID string            `json:"merchantTransactionId"`
	Amount                int64             `json:"amount"`
	RedirectURL           string            `json:"redirectUrl"`
	RedirectMode          string            `json:"redirectMode"`
	Message               string            `json:"message,omitempty"`
	ExpiresIn             int64             `json:"expiresIn,omitempty"`
	MetaInfo              map[string]string `json:"metaInfo,omitempty"`
	PaymentInstrument     payInstrument     `json:"paymentInstrument"`
}

type payInstrument struct {
	Type string `json:"type"`
}

type refundRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	Amount                int64  `json:"amount"`
	Message               string `json:"message,omitempty"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type payResponseData struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId"`
	InstrumentResponse    struct {
		Type         string `json:"type"`
		RedirectInfo struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"redirectInfo"`
	} `json:"instrumentResponse"`
}

type statusResponseData struct {
	MerchantTransactionID string          `json:"merchantTransactionId"`
	TransactionID         string          `json:"transactionId"`
	State                 string          `json:"state"`
	ResponseCode          string          `json:"responseCode"`
	PaymentInstrument     json.RawMessage `json:"paymentInstrument"`
}

type refundResponseData struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId"`
	State                 string `json:"state"`
}
