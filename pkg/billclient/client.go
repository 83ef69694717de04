/**
 * @description
 * This package provides a client for the external bill-payment provider. It
 * wraps the provider's JSON API behind a circuit breaker so that a degraded
 * provider fails fast instead of holding ledger requests open.
 *
 * @dependencies
 * - github.com/sony/gobreaker: circuit breaker around outbound calls.
 * - github.com/shopspring/decimal: payment amounts.
 * - go.uber.org/zap: client-side logging.
 */
package billclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Provider-side payment statuses.
const (
	StatusSuccessful = "SUCCESSFUL"
	StatusPending    = "PENDING"
	StatusFailed     = "FAILED"
)

// ErrProviderUnavailable is returned while the breaker is open or half-open
// and saturated.
var ErrProviderUnavailable = errors.New("bill provider unavailable")

// Client is a client for the bill-payment provider API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// PaymentRequest is the payload sent to the provider. Reference is the
// ledger transaction reference and doubles as the provider's idempotency key.
type PaymentRequest struct {
	Reference         string          `json:"reference"`
	BillerCode        string          `json:"biller_code"`
	CustomerReference string          `json:"customer_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

// PaymentResponse is the provider's answer to a payment.
type PaymentResponse struct {
	Status            string `json:"status"`
	ProviderReference string `json:"provider_reference"`
	Message           string `json:"message,omitempty"`
}

// ErrorResponse represents a non-2xx answer from the provider.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bill provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("bill provider error (status %d)", e.StatusCode)
}

// IsDefinitiveFailure reports whether err means the provider rejected the
// payment and will not execute it. Transport errors, 5xx answers and an open
// breaker leave the outcome unknown.
func IsDefinitiveFailure(err error) bool {
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	return errResp.StatusCode >= 400 && errResp.StatusCode < 500 &&
		errResp.StatusCode != http.StatusRequestTimeout &&
		errResp.StatusCode != http.StatusTooManyRequests
}

// NewClient creates a new bill provider client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(zap.String("component", "bill_client")),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bill-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected payment is a healthy provider.
		IsSuccessful: func(err error) bool {
			return err == nil || IsDefinitiveFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Pay submits a payment to the provider.
func (c *Client) Pay(ctx context.Context, payment PaymentRequest) (*PaymentResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("bill provider base url is empty")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doPay(ctx, payment)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("bill payment rejected by open circuit", zap.String("reference", payment.Reference))
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return result.(*PaymentResponse), nil
}

func (c *Client) doPay(ctx context.Context, payment PaymentRequest) (*PaymentResponse, error) {
	body, err := json.Marshal(payment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", payment.Reference)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.logger.Warn("non-2xx response with unparsable body",
				zap.String("reference", payment.Reference),
				zap.Int("status", resp.StatusCode),
			)
		} else {
			c.logger.Warn("payment rejected",
				zap.String("reference", payment.Reference),
				zap.Int("status", resp.StatusCode),
				zap.String("code", errResp.Code),
			)
		}
		return nil, errResp
	}

	var paymentResp PaymentResponse
	if err := json.Unmarshal(bodyBytes, &paymentResp); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}
	paymentResp.Status = strings.ToUpper(strings.TrimSpace(paymentResp.Status))
	return &paymentResp, nil
}
