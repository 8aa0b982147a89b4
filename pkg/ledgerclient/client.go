/**
 * @description
 * Client for the ledger-service HTTP API, used by the enrollment and catalog
 * collaborators and by ledgerctl. Every call carries the internal API key, is bounded
 * by a timeout and goes through a circuit breaker. Calls made with an idempotency key
 * are retried once on transport failure; the server replays the original outcome.
 *
 * @dependencies
 * - github.com/sony/gobreaker: circuit breaker around the ledger endpoint.
 * - github.com/shopspring/decimal: exact amounts.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/tuition/ledger-service/internal/domain"
)

const (
	defaultTimeout    = 30 * time.Second
	internalKeyHeader = "X-Internal-API-Key"
	idempotencyHeader = "Idempotency-Key"
)

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// HasCode reports whether err is an APIError with the given error kind.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(c *Client) {
		if settings.IsSuccessful == nil {
			settings.IsSuccessful = isSuccessful
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

func New(baseURL, internalKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-service",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isSuccessful,
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// isSuccessful keeps business rejections (4xx) from tripping the breaker.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError
}

func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (*domain.AccountResponse, error) {
	var out domain.AccountResponse
	return &out, c.do(ctx, http.MethodPost, "/api/accounts/register", "", req, &out)
}

func (c *Client) Balance(ctx context.Context, accountNumber, secret string) (*domain.AccountResponse, error) {
	var out domain.AccountResponse
	return &out, c.do(ctx, http.MethodPost, "/api/accounts/balance", "", domain.BalanceRequest{AccountNumber: accountNumber, Secret: secret}, &out)
}

func (c *Client) Debit(ctx context.Context, req domain.DebitRequest, idempotencyKey string) (*domain.DebitResponse, error) {
	var out domain.DebitResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/debit", idempotencyKey, req, &out)
}

func (c *Client) CreatePendingTransfer(ctx context.Context, req domain.PendingTransferRequest) (*domain.PendingTransferResponse, error) {
	var out domain.PendingTransferResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/pending", "", req, &out)
}

func (c *Client) SettleTransfer(ctx context.Context, req domain.SettleTransferRequest) (*domain.SettleTransferResponse, error) {
	var out domain.SettleTransferResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/settle", "", req, &out)
}

func (c *Client) CreditDirect(ctx context.Context, req domain.DirectCreditRequest, idempotencyKey string) (*domain.DirectCreditResponse, error) {
	var out domain.DirectCreditResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/credit", idempotencyKey, req, &out)
}

func (c *Client) PayTuition(ctx context.Context, req domain.TuitionPaymentRequest, idempotencyKey string) (*domain.TuitionPaymentResponse, error) {
	var out domain.TuitionPaymentResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/tuition", idempotencyKey, req, &out)
}

// PayCourseUploadFee is keyed on the course id server-side, so it is always safe to retry.
func (c *Client) PayCourseUploadFee(ctx context.Context, req domain.CourseUploadPaymentRequest) (*domain.CourseUploadPaymentResponse, error) {
	var out domain.CourseUploadPaymentResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/course-upload", domain.CourseUploadKey(req.CourseID), req, &out)
}

func (c *Client) Transaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	var out domain.TransactionRecord
	return &out, c.do(ctx, http.MethodGet, "/api/transactions/"+id.String(), "", nil, &out)
}

// TransactionByIdempotencyKey resolves whether a keyed request committed.
func (c *Client) TransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	var out domain.TransactionRecord
	return &out, c.do(ctx, http.MethodGet, "/api/transactions?idempotencyKey="+url.QueryEscape(key), "", nil, &out)
}

func (c *Client) ReversePayment(ctx context.Context, debitID uuid.UUID, reason string) (*domain.ReversalResponse, error) {
	var out domain.ReversalResponse
	return &out, c.do(ctx, http.MethodPost, "/api/transactions/"+debitID.String()+"/reverse", domain.ReversalKey(debitID), domain.ReversalRequest{Reason: reason}, &out)
}

func (c *Client) Reconciliation(ctx context.Context) (*domain.ReconciliationReport, error) {
	var out domain.ReconciliationReport
	return &out, c.do(ctx, http.MethodGet, "/api/ledger/reconciliation", "", nil, &out)
}

// do sends the request through the breaker. GETs and keyed writes get one retry on
// transport failure.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("ledger: encode request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet || idempotencyKey != "" {
		attempts = 2
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, method, path, idempotencyKey, payload, out)
		})
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusBadGateway ||
			apiErr.StatusCode == http.StatusServiceUnavailable ||
			apiErr.StatusCode == http.StatusGatewayTimeout
	}
	return true
}

func (c *Client) send(ctx context.Context, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(internalKeyHeader, c.internalKey)
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil || apiErr.Code == "" {
			apiErr.Code = "Internal"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}
