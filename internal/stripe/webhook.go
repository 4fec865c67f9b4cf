package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum accepted age of a signed payload.
const DefaultTolerance = 5 * time.Minute

// Event types the reconciler understands.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

var (
	// ErrInvalidSignature covers every reason a payload is rejected.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
	// ErrNoWebhookSecret is returned when verification is attempted without a secret.
	ErrNoWebhookSecret = errors.New("stripe: webhook secret not configured")
)

// Event is a webhook notification envelope.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// DecodeObject unmarshals data.object into out.
func (e *Event) DecodeObject(out any) error {
	if len(e.Data.Object) == 0 {
		return fmt.Errorf("stripe: event %s has no data.object", e.ID)
	}
	if err := json.Unmarshal(e.Data.Object, out); err != nil {
		return fmt.Errorf("stripe: decode %s object: %w", e.Type, err)
	}
	return nil
}

// ParseEvent decodes an already-verified payload.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("parse webhook event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("parse webhook event: missing type")
	}
	return &ev, nil
}

// ConstructEvent verifies the Stripe-Signature header against payload and
// returns the decoded event. A zero tolerance disables the timestamp check.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	if secret == "" {
		return nil, ErrNoWebhookSecret
	}

	ts, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return nil, err
	}

	if tolerance > 0 && now.Sub(ts) > tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := ComputeSignature(ts, payload, secret)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ev, nil
}

// ComputeSignature returns HMAC-SHA256(secret, "<unix ts>.<payload>").
func ComputeSignature(ts time.Time, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader builds a Stripe-Signature header value for payload.
func SignatureHeader(ts time.Time, payload []byte, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(ComputeSignature(ts, payload, secret)))
}

func parseSignatureHeader(header string) (time.Time, [][]byte, error) {
	var (
		ts         time.Time
		signatures [][]byte
	)
	if header == "" {
		return ts, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			sec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ts, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = time.Unix(sec, 0)
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if ts.IsZero() {
		return ts, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(signatures) == 0 {
		return ts, nil, fmt.Errorf("%w: missing v1 signature", ErrInvalidSignature)
	}
	return ts, signatures, nil
}
