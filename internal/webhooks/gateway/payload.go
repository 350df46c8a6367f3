package gatewaywebhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names the provider delivers. Anything else is acknowledged and
// logged; rejecting it would only make the provider retry forever.
const (
	EventOrderCompleted = "checkout.order.completed"
	EventOrderFailed    = "checkout.order.failed"
	EventRefundDone     = "pg.refund.completed"
	EventRefundFailed   = "pg.refund.failed"
)

// Envelope is the provider's callback body: a tag plus an event-shaped payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// OrderPayload is the payload for checkout.order.* events.
type OrderPayload struct {
	MerchantOrderID string            `json:"merchantOrderId"`
	OrderID         string            `json:"orderId"`
	State           string            `json:"state"`
	Amount          int64             `json:"amount"`
	ErrorCode       string            `json:"errorCode"`
	Message         string            `json:"message"`
	MetaInfo        map[string]string `json:"metaInfo"`
	PaymentDetails  []PaymentDetail   `json:"paymentDetails"`
}

// PaymentDetail describes one settlement attempt inside an order payload.
type PaymentDetail struct {
	PaymentMode string          `json:"paymentMode"`
	State       string          `json:"state"`
	Instrument  json.RawMessage `json:"instrument"`
}

// RefundPayload is the payload for pg.refund.* events.
type RefundPayload struct {
	MerchantRefundID        string `json:"merchantRefundId"`
	OriginalMerchantOrderID string `json:"originalMerchantOrderId"`
	State                   string `json:"state"`
	Amount                  int64  `json:"amount"`
}

// ParseEnvelope decodes the callback body. A missing event tag is malformed;
// an unknown one is not.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty webhook body")
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding webhook envelope: %w", err)
	}
	if envelope.Event == "" {
		return nil, errors.New("webhook event tag missing")
	}
	return &envelope, nil
}

func (e *Envelope) orderPayload() (*OrderPayload, error) {
	var payload OrderPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding order payload: %w", err)
	}
	if payload.MerchantOrderID == "" {
		return nil, errors.New("merchantOrderId missing")
	}
	return &payload, nil
}

func (e *Envelope) refundPayload() (*RefundPayload, error) {
	var payload RefundPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding refund payload: %w", err)
	}
	if payload.OriginalMerchantOrderID == "" {
		return nil, errors.New("originalMerchantOrderId missing")
	}
	return &payload, nil
}

// paymentMode returns the settlement instrument of the first payment detail.
func (p *OrderPayload) paymentMode() (string, json.RawMessage) {
	if len(p.PaymentDetails) == 0 {
		return "", nil
	}
	return p.PaymentDetails[0].PaymentMode, p.PaymentDetails[0].Instrument
}
