package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCheckoutSessionEncodesForm(t *testing.T) {
	expires := time.Unix(1_800_000_000, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/checkout/sessions", r.URL.Path)

		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_123", user)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "price_abc", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
		assert.Equal(t, "member@example.org", r.PostForm.Get("customer_email"))
		assert.Equal(t, "1800000000", r.PostForm.Get("expires_at"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[user_membership_id]"))
		assert.Equal(t, "42", r.PostForm.Get("subscription_data[metadata][user_membership_id]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1","mode":"subscription"}`))
	}))
	defer srv.Close()

	c := NewClient("sk_test_123", WithBaseURL(srv.URL))
	session, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{
		PriceID:        "price_abc",
		CustomerEmail:  "member@example.org",
		SuccessURL:     "https://app/success",
		CancelURL:      "https://app/cancel",
		ExpiresAt:      expires,
		Metadata:       Metadata{"user_membership_id": "42"},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", session.URL)
}

func TestDoRequestMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such price"}}`))
	}))
	defer srv.Close()

	c := NewClient("sk", WithBaseURL(srv.URL))
	_, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{PriceID: "price_missing"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "resource_missing", apiErr.Code)
	assert.Contains(t, err.Error(), "No such price")
}

func TestRetrieveSubscriptionHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient("sk", WithBaseURL(srv.URL))
	_, err := c.RetrieveSubscription(ctx, "sub_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestModifySubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subscriptions/sub_1", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "true", r.PostForm.Get("cancel_at_period_end"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"id":"sub_1","cancel_at_period_end":true}`))
	}))
	defer srv.Close()

	c := NewClient("sk", WithBaseURL(srv.URL))
	require.NoError(t, c.ModifySubscription(context.Background(), "sub_1", true))
}
