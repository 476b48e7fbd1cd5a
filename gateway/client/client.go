// Package client is a Go client for the sale gateway. Mutating calls are
// signed with the caller's key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokensale/crypto"
	"tokensale/gateway/auth"
	"tokensale/gateway/idempotency"
	"tokensale/gateway/middleware"
	"tokensale/gateway/routes"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sale gateway %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client wraps the sale gateway REST endpoints.
type Client struct {
	baseURL    *url.URL
	key        *crypto.PrivateKey
	httpClient *http.Client
	now        func() time.Time
	nonce      func() string
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClock overrides the time source used when signing requests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a client pointed at baseURL. key may be nil for read-only
// use.
func New(baseURL string, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		key:        key,
		httpClient: &http.Client{Timeout: 15 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:        time.Now,
		nonce:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the signing identity, or the zero address without a key.
func (c *Client) Address() [20]byte {
	if c.key == nil {
		return [20]byte{}
	}
	return c.key.Address()
}

// RequestOption tweaks request metadata such as the Idempotency-Key header.
type RequestOption func(*requestOptions)

type requestOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey sets the Idempotency-Key header for the request.
func WithIdempotencyKey(key string) RequestOption {
	return func(opts *requestOptions) {
		opts.idempotencyKey = strings.TrimSpace(key)
	}
}

func (c *Client) Sale(ctx context.Context) (*routes.SaleResponse, error) {
	var out routes.SaleResponse
	if err := c.get(ctx, "/v1/sale", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Buyer(ctx context.Context, addr [20]byte) (*routes.BuyerResponse, error) {
	var out routes.BuyerResponse
	if err := c.get(ctx, "/v1/buyers/"+crypto.FormatAddress(addr), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BonusRemaining(ctx context.Context, addr [20]byte, maxBonusAmount *big.Int) (*routes.BonusResponse, error) {
	var out routes.BonusResponse
	path := "/v1/buyers/" + crypto.FormatAddress(addr) + "/bonus/" + maxBonusAmount.String()
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Account(ctx context.Context, addr [20]byte) (*routes.AccountResponse, error) {
	var out routes.AccountResponse
	if err := c.get(ctx, "/v1/accounts/"+crypto.FormatAddress(addr), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events lists audit events after the given id. An empty eventType lists
// every type.
func (c *Client) Events(ctx context.Context, after int64, eventType string, limit int) (*routes.EventsResponse, error) {
	query := url.Values{}
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	if eventType != "" {
		query.Set("type", eventType)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out routes.EventsResponse
	if err := c.get(ctx, "/v1/events", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Whitelist(ctx context.Context, sig []byte, opts ...RequestOption) (*routes.WhitelistResponse, error) {
	var out routes.WhitelistResponse
	if err := c.post(ctx, "/v1/whitelist", routes.WhitelistRequest{Signature: crypto.EncodeSignature(sig)}, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuyWithSignature purchases with a whitelist note. sig may be nil once the
// caller is whitelisted.
func (c *Client) BuyWithSignature(ctx context.Context, amount *big.Int, sig []byte, opts ...RequestOption) (*routes.PurchaseResponse, error) {
	req := routes.PurchaseRequest{Amount: amount.String()}
	if len(sig) > 0 {
		req.Signature = crypto.EncodeSignature(sig)
	}
	var out routes.PurchaseResponse
	if err := c.post(ctx, "/v1/purchases/signature", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BuyWithBonus(ctx context.Context, amount *big.Int, sig []byte, maxBonusAmount *big.Int, opts ...RequestOption) (*routes.PurchaseResponse, error) {
	req := routes.PurchaseRequest{
		Amount:         amount.String(),
		Signature:      crypto.EncodeSignature(sig),
		MaxBonusAmount: maxBonusAmount.String(),
	}
	var out routes.PurchaseResponse
	if err := c.post(ctx, "/v1/purchases/bonus", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pay(ctx context.Context, amount *big.Int, opts ...RequestOption) (*routes.PurchaseResponse, error) {
	var out routes.PurchaseResponse
	if err := c.post(ctx, "/v1/payments", routes.PaymentRequest{Amount: amount.String()}, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Abort(ctx context.Context, opts ...RequestOption) (*routes.SettlementResponse, error) {
	var out routes.SettlementResponse
	if err := c.post(ctx, "/v1/abort", nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Refund(ctx context.Context, opts ...RequestOption) (*routes.SettlementResponse, error) {
	var out routes.SettlementResponse
	if err := c.post(ctx, "/v1/refund", nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Claim(ctx context.Context, opts ...RequestOption) (*routes.SettlementResponse, error) {
	var out routes.SettlementResponse
	if err := c.post(ctx, "/v1/claim", nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retrieve(ctx context.Context, amount *big.Int, opts ...RequestOption) (*routes.SettlementResponse, error) {
	var out routes.SettlementResponse
	if err := c.post(ctx, "/v1/retrieve", routes.RetrieveRequest{Amount: amount.String()}, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, out interface{}, opts ...RequestOption) error {
	if c.key == nil {
		return fmt.Errorf("signing key required for %s", endpoint)
	}
	body := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = encoded
	}
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.idempotencyKey != "" {
		req.Header.Set(idempotency.HeaderKey, ro.idempotencyKey)
	}
	if err := auth.SignRequest(req, c.key, body, c.now(), c.nonce()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var envelope middleware.ErrorBody
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(bodyBytes))}
		}
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
