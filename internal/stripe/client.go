package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the live Stripe REST endpoint.
	DefaultBaseURL = "https://api.stripe.com/v1"

	maxResponseBytes = 1 << 20
)

// APIError is a non-2xx response from Stripe.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe API error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps Stripe API calls using the REST API directly (no SDK dependency)
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint, such as stripe-mock.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string, opts ...Option) *Client {
	c := &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCheckoutSession creates a subscription-mode Checkout session. The
// metadata is attached to the session and copied onto the subscription so
// later invoice and subscription events carry it too.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("line_items[0][price]", params.PriceID)
	data.Set("line_items[0][quantity]", "1")
	data.Set("success_url", params.SuccessURL)
	data.Set("cancel_url", params.CancelURL)
	if params.CustomerEmail != "" {
		data.Set("customer_email", params.CustomerEmail)
	}
	if !params.ExpiresAt.IsZero() {
		data.Set("expires_at", strconv.FormatInt(params.ExpiresAt.Unix(), 10))
	}
	for k, v := range params.Metadata {
		data.Set("metadata["+k+"]", v)
		data.Set("subscription_data[metadata]["+k+"]", v)
	}

	var session CheckoutSession
	if err := c.post(ctx, "/checkout/sessions", data, params.IdempotencyKey, &session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("create checkout session: missing session id or url in response")
	}

	c.logger.Debug().Str("session_id", session.ID).Msg("stripe: checkout session created")
	return &session, nil
}

// RetrieveCheckoutSession fetches a Checkout session by id.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.get(ctx, "/checkout/sessions/"+url.PathEscape(id), &session); err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return &session, nil
}

// RetrieveSubscription fetches a subscription by id.
func (c *Client) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), &sub); err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}
	return &sub, nil
}

// ModifySubscription toggles whether the subscription ends with the current period.
func (c *Client) ModifySubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) error {
	data := url.Values{}
	data.Set("cancel_at_period_end", strconv.FormatBool(cancelAtPeriodEnd))

	if err := c.post(ctx, "/subscriptions/"+url.PathEscape(id), data, "", nil); err != nil {
		return fmt.Errorf("modify subscription: %w", err)
	}

	c.logger.Info().Str("subscription_id", id).Bool("cancel_at_period_end", cancelAtPeriodEnd).Msg("stripe: subscription modified")
	return nil
}

// HTTP helpers

func (c *Client) post(ctx context.Context, path string, data url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)

	return c.doRequest(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxResponseBytes)); err != nil {
		return fmt.Errorf("read stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: "unknown error"}
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(buf.Bytes(), &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Str("code", apiErr.Code).Msg("stripe: request rejected")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("parse stripe response: %w", err)
	}
	return nil
}
