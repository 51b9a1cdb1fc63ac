// Package payment wraps the external payment gateway. Transport
// failures are tagged Transient so the payment retry policy can retry
// them; business declines are tagged InvalidState and never retried,
// since a repeat attempt risks a duplicate charge.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

type Amount struct {
	Value    int64  `json:"value"` // minor units
	Currency string `json:"currency"`
}

type Intent struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url,omitempty"`
}

type ChargeRequest struct {
	AppointmentID     uuid.UUID `json:"appointment_id"`
	AppointmentNumber string    `json:"appointment_number"`
	PatientID         uuid.UUID `json:"patient_id"`
	Amount            Amount    `json:"amount"`
	Method            string    `json:"method"`
}

type RefundRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        Amount    `json:"amount"`
}

// Gateway is the payment collaborator consumed by the booking and
// cancellation orchestrators.
type Gateway interface {
	InitiatePayment(ctx context.Context, req ChargeRequest) (*Intent, error)
	ProcessRefund(ctx context.Context, req RefundRequest) error
}

// HTTPGateway talks JSON to the provider configured by base URL.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type providerResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

func (g *HTTPGateway) InitiatePayment(ctx context.Context, req ChargeRequest) (*Intent, error) {
	var resp providerResponse
	if err := g.post(ctx, "/v1/charges", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		// Declined card, insufficient funds and the like: a business
		// outcome, not a transport failure.
		return nil, apperr.E(apperr.InvalidState, "payment declined: %s %s", resp.Code, resp.Message)
	}
	return &Intent{TransactionID: resp.TransactionID, PaymentURL: resp.PaymentURL}, nil
}

func (g *HTTPGateway) ProcessRefund(ctx context.Context, req RefundRequest) error {
	var resp providerResponse
	if err := g.post(ctx, "/v1/refunds", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return apperr.E(apperr.Upstream, "refund rejected: %s %s", resp.Code, resp.Message)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperr.E(apperr.Transient, "payment gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return apperr.E(apperr.Upstream, "payment gateway rejected request with %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Upstream, err, "decode payment gateway response")
	}
	return nil
}

// Disabled is used when no gateway is configured: every charge reports
// upstream failure so bookings complete with payment still required.
type Disabled struct{}

var errGatewayDisabled = errors.New("payment gateway not configured")

func (Disabled) InitiatePayment(context.Context, ChargeRequest) (*Intent, error) {
	return nil, apperr.Wrap(apperr.Upstream, errGatewayDisabled, "initiate payment")
}

func (Disabled) ProcessRefund(context.Context, RefundRequest) error {
	return apperr.Wrap(apperr.Upstream, errGatewayDisabled, "process refund")
}
