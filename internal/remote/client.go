// Package remote is the HTTP client for the backend of record. Everything the
// terminal knows about the outside world goes through here.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"till/internal/model"
)

var (
	// ErrUnavailable covers transient failures: transport errors, timeouts,
	// 5xx responses and an open circuit breaker. Callers fall back to the
	// local store or the offline queue on this.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected means the backend understood the request and refused it
	// (4xx). Retrying the same payload will not help.
	ErrRejected = errors.New("backend rejected request")
)

// SearchResult is the product search response shape.
type SearchResult struct {
	Items []model.CatalogEntry `json:"items"`
	Total int64                `json:"total"`
}

// CreatedInvoice is the part of the invoice response the terminal needs.
type CreatedInvoice struct {
	ID int64 `json:"id"`
}

type invoiceDraft struct {
	Items []model.TransactionItem `json:"items"`
}

type Client struct {
	baseURL string
	httpc   *http.Client
	cb      *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient builds a backend client. timeout bounds every single request;
// the circuit breaker stops hammering a dead backend between probes.
func NewClient(baseURL string, timeout time.Duration) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "backend",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		cb:      cb,
	}
}

// do sends the request through the breaker. Only transport-level failures
// count against the breaker; HTTP status handling happens in the caller.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.cb.Execute(func() (*http.Response, error) {
		return c.httpc.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health probes the backend. Used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

func (c *Client) SearchProducts(ctx context.Context, query string, page, limit int) (SearchResult, error) {
	path := fmt.Sprintf("/products/search?query=%s&page=%d&limit=%d", url.QueryEscape(query), page, limit)
	var res SearchResult
	if err := c.getJSON(ctx, path, &res); err != nil {
		return SearchResult{}, err
	}
	return res, nil
}

// CreateInvoice submits a sale. idemKey rides the Idempotency-Key header so a
// resubmission after a lost response cannot double-book the sale.
func (c *Client) CreateInvoice(ctx context.Context, items []model.TransactionItem, idemKey string) (CreatedInvoice, error) {
	body, err := json.Marshal(invoiceDraft{Items: items})
	if err != nil {
		return CreatedInvoice{}, fmt.Errorf("marshal invoice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices/", bytes.NewReader(body))
	if err != nil {
		return CreatedInvoice{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return CreatedInvoice{}, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return CreatedInvoice{}, err
	}
	var inv CreatedInvoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return CreatedInvoice{}, fmt.Errorf("decode invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices and GetInvoice are pass-throughs for the display layer's
// invoice page; the terminal does not cache invoices.
func (c *Client) ListInvoices(ctx context.Context, page, limit int) ([]byte, error) {
	return c.getRaw(ctx, "/invoices/?page="+strconv.Itoa(page)+"&limit="+strconv.Itoa(limit))
}

func (c *Client) GetInvoice(ctx context.Context, id int64) ([]byte, error) {
	return c.getRaw(ctx, "/invoices/"+strconv.FormatInt(id, 10))
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}
