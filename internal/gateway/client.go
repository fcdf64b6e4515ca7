// Package gateway предоставляет клиент внешней платёжной системы.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Статусы исполнения платежа на стороне шлюза.
const (
	StatusCompleted  = "COMPLETED"
	StatusProcessing = "PROCESSING"
	StatusFailed     = "FAILED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// ExecutionResult описывает ответ шлюза по одному счёту.
type ExecutionResult struct {
	InvoiceNumber string  `json:"invoice"`
	Status        string  `json:"status"`
	TransactionID *string `json:"transaction_id,omitempty"`
}

// NewClient создаёт клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// 429 обрабатывается выше по Retry-After, клиент его не ретраит.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(invoiceNumber string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return fmt.Sprintf("%s/api/payments/%s", base, invoiceNumber)
}

func (c *Client) do(ctx context.Context, method, url string) (*ExecutionResult, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("gateway client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}

// Execute запускает исполнение платежа по счёту. Повторный вызов с тем
// же номером счёта шлюз обязан обрабатывать идемпотентно.
func (c *Client) Execute(ctx context.Context, invoiceNumber string) (*ExecutionResult, int, time.Duration, error) {
	return c.do(ctx, http.MethodPost, c.url(invoiceNumber)+"/execute")
}

// GetStatus запрашивает текущий статус исполнения платежа по счёту.
func (c *Client) GetStatus(ctx context.Context, invoiceNumber string) (*ExecutionResult, int, time.Duration, error) {
	return c.do(ctx, http.MethodGet, c.url(invoiceNumber))
}
