// Package supplier talks to the remote fulfilment API. Every call carries a timeout and reports
// failures as one of: a definite rejection, an unavailable/unknown outcome, or a malformed reply.
package supplier

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

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Poll    Backoff
}

// Client is a synchronous supplier API client.
type Client struct {
	baseURL    string
	apiKey     string
	poll       Backoff
	httpClient *http.Client
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. A zero timeout defaults to 10s.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := cfg.Poll
	if poll.Attempts <= 0 {
		poll = Backoff{Attempts: 5, Initial: 500 * time.Millisecond, Max: 8 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		poll:    poll,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		sleep:  sleepCtx,
	}
}

// VerifyStock returns the live stock and price for ref.
func (c *Client) VerifyStock(ctx context.Context, ref string) (*Stock, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, &RejectedError{StatusCode: http.StatusBadRequest, Message: "empty product reference"}
	}
	body, err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	return parseStock(ref, body)
}

// RequestPurchase places an order and returns the supplier's order id. It is never retried here:
// an ErrUnavailable result means the order may exist remotely.
func (c *Client) RequestPurchase(ctx context.Context, po PurchaseOrder) (string, error) {
	if po.Quantity <= 0 {
		return "", &RejectedError{StatusCode: http.StatusBadRequest, Message: "quantity must be positive"}
	}
	req := map[string]interface{}{
		"product_ref":      po.Ref,
		"quantity":         po.Quantity,
		"client_reference": po.ClientReference,
	}
	if po.PromotionCode != "" {
		req["promo_code"] = po.PromotionCode
	}
	body, err := c.do(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return "", err
	}
	id, err := parsePurchase(body)
	if err != nil {
		return "", err
	}
	c.logger.Info("supplier order placed",
		zap.String("product_ref", po.Ref),
		zap.Int("quantity", po.Quantity),
		zap.String("external_order_id", id))
	return id, nil
}

// RetrieveCredentials fetches delivered credentials once. ErrNotReady is transient.
func (c *Client) RetrieveCredentials(ctx context.Context, externalOrderID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(externalOrderID)+"/credentials", nil)
	if err != nil {
		return "", err
	}
	return parseCredentials(body)
}

// PollCredentials calls RetrieveCredentials up to the configured attempt budget, backing off
// exponentially while the result is ErrNotReady or ErrUnavailable. Rejections stop immediately.
func (c *Client) PollCredentials(ctx context.Context, externalOrderID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.poll.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		creds, err := c.RetrieveCredentials(ctx, externalOrderID)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrUnavailable) {
			return "", err
		}
		lastErr = err
		if attempt == c.poll.Attempts {
			break
		}
		delay := c.poll.Delay(attempt)
		c.logger.Debug("credentials not available yet",
			zap.String("external_order_id", externalOrderID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return "", lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal supplier request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build supplier request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("supplier call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, ErrNotReady
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		c.logger.Warn("supplier unavailable",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		rej := &RejectedError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			rej.Code = e.Code
			rej.Message = e.Message
		}
		c.logger.Info("supplier rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("code", rej.Code))
		return nil, rej
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
