// Package ledgerclient talks to the remote inventory/ledger service over HTTP/JSON.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrTransport marks failures where no usable response came back from the service
var ErrTransport = errors.New("ledger service unreachable")

// APIError is a non-2xx answer from the service. Message is the service's own
// error text and is meant to be shown to the customer verbatim.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger service returned %d: %s", e.StatusCode, e.Message)
}

type insertMoneyRequest struct {
	Amount json.Number `json:"amount"`
}

type purchaseRequest struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

type balanceResponse struct {
	Balance *decimal.Decimal `json:"balance"`
}

type changeResponse struct {
	Change *decimal.Decimal `json:"change"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client is the remote ledger client
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for baseURL. timeout bounds each request; zero means no limit.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: util.GetLogger().With(zap.String("component", "ledgerclient")),
	}
}

// ListItems fetches the full catalog
func (c *Client) ListItems(ctx context.Context) ([]models.Item, error) {
	var items []models.Item
	if err := c.do(ctx, "list_items", http.MethodGet, "/items", nil, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.Item{}
	}
	return items, nil
}

// InsertMoney credits amount and returns the authoritative balance
func (c *Client) InsertMoney(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	var resp balanceResponse
	req := insertMoneyRequest{Amount: json.Number(amount.String())}
	if err := c.do(ctx, "insert_money", http.MethodPost, "/insert-money", req, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Balance == nil {
		return decimal.Zero, missingField("balance")
	}
	return *resp.Balance, nil
}

// Purchase buys quantity units of item and returns the balance left afterwards
func (c *Client) Purchase(ctx context.Context, item string, quantity int) (decimal.Decimal, error) {
	var resp balanceResponse
	req := purchaseRequest{Item: item, Quantity: quantity}
	if err := c.do(ctx, "purchase", http.MethodPost, "/purchase", req, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Balance == nil {
		return decimal.Zero, missingField("balance")
	}
	return *resp.Balance, nil
}

// ReturnChange asks the service to pay out the whole balance
func (c *Client) ReturnChange(ctx context.Context) (decimal.Decimal, error) {
	var resp changeResponse
	if err := c.do(ctx, "return_change", http.MethodPost, "/return-change", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Change == nil {
		return decimal.Zero, missingField("change")
	}
	return *resp.Change, nil
}

// missingField reports a 2xx reply without the amount it must carry; what the
// service actually did is unknown
func missingField(name string) error {
	return fmt.Errorf("%w: malformed response: missing %s", ErrTransport, name)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "LedgerClient."+op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("ledger.path", path))

	start := time.Now()
	defer func() {
		util.RemoteCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	err := c.roundTrip(ctx, method, path, body, out)
	if err != nil {
		reason := "transport"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			reason = fmt.Sprintf("http_%d", apiErr.StatusCode)
		}
		util.RemoteCallErrors.WithLabelValues(op, reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		c.logger.Warn("Ledger call failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrTransport, err)
	}
	return nil
}

// errorMessage prefers the service's {"error": "..."} text, then the raw body, then the status line
func errorMessage(raw []byte, status string) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if msg := string(bytes.TrimSpace(raw)); msg != "" {
		return msg
	}
	return status
}
