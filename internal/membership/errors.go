package membership

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by this package wraps exactly one of
// them so the HTTP layer can map it to a status code with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrProvider              = errors.New("payment provider error")
	ErrReconciliationAnomaly = errors.New("reconciliation anomaly")
)

var (
	ErrPlanNotFound            = fmt.Errorf("%w: membership type", ErrNotFound)
	ErrMembershipNotFound      = fmt.Errorf("%w: membership", ErrNotFound)
	ErrNoActiveMembership      = fmt.Errorf("%w: no active membership", ErrNotFound)
	ErrCheckoutSessionNotFound = fmt.Errorf("%w: checkout session", ErrNotFound)

	ErrAlreadyPurchased       = fmt.Errorf("%w: membership type already purchased", ErrConflict)
	ErrActiveMembershipExists = fmt.Errorf("%w: another membership is still active", ErrConflict)
	ErrSubscriptionStillOpen  = fmt.Errorf("%w: previous subscription is still billing", ErrConflict)

	ErrPlanNotPurchasable = fmt.Errorf("%w: membership type cannot be purchased", ErrForbidden)
	ErrSessionNotOwned    = fmt.Errorf("%w: checkout session belongs to another user", ErrForbidden)

	ErrNotSubscriptionSession = fmt.Errorf("%w: checkout session is not a subscription", ErrInvalidRequest)
)

func providerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}

// Anomaly reasons.
const (
	ReasonUnknownSubscription  = "unknown_subscription"
	ReasonUnknownStatus        = "unknown_status"
	ReasonMissingMetadata      = "missing_metadata"
	ReasonMembershipNotFound   = "membership_not_found"
	ReasonSubscriptionMismatch = "subscription_mismatch"
	ReasonMalformedPayload     = "malformed_payload"
	ReasonStaleSubscription    = "stale_subscription"
)

// Anomaly describes a verified webhook event that could not be matched to
// local state. It is reported and retried, never surfaced to the provider.
type Anomaly struct {
	Reason         string
	EventID        string
	EventType      string
	SubscriptionID string
	Err            error
}

func (a *Anomaly) Error() string {
	msg := fmt.Sprintf("reconciliation anomaly (%s) for event %s [%s]", a.Reason, a.EventID, a.EventType)
	if a.SubscriptionID != "" {
		msg += " subscription " + a.SubscriptionID
	}
	if a.Err != nil {
		msg += ": " + a.Err.Error()
	}
	return msg
}

func (a *Anomaly) Unwrap() []error {
	if a.Err == nil {
		return []error{ErrReconciliationAnomaly}
	}
	return []error{ErrReconciliationAnomaly, a.Err}
}

// AsAnomaly extracts an *Anomaly from err.
func AsAnomaly(err error) (*Anomaly, bool) {
	var a *Anomaly
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}
