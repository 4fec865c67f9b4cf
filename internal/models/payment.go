package models

import "time"

// PaymentType classifies a ledger row.
type PaymentType string

const (
	PaymentTypeOneTime             PaymentType = "ONE_TIME"
	PaymentTypeSubscriptionInitial PaymentType = "SUBSCRIPTION_INITIAL"
	PaymentTypeSubscriptionRenewal PaymentType = "SUBSCRIPTION_RENEWAL"
	PaymentTypeRefund              PaymentType = "REFUND"
)

// PaymentStatus is the settlement state of a ledger row.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Payment is an append-only ledger row. InvoiceID is unique and acts as the
// idempotency key for webhook redeliveries.
type Payment struct {
	ID               int64         `json:"id"`
	UserID           int64         `json:"user_id"`
	UserMembershipID *int64        `json:"user_membership_id,omitempty"`
	MembershipTypeID *int64        `json:"membership_type_id,omitempty"`
	Type             PaymentType   `json:"type"`
	Status           PaymentStatus `json:"status"`
	AmountTotal      int64         `json:"amount_total"`
	Currency         string        `json:"currency"`
	InvoiceID        string        `json:"invoice_id"`
	SubscriptionID   *string       `json:"subscription_id,omitempty"`
	StripeCustomerID *string       `json:"stripe_customer_id,omitempty"`
	PriceID          *string       `json:"price_id,omitempty"`
	BillingReason    *string       `json:"billing_reason,omitempty"`
	Livemode         bool          `json:"livemode"`
	Description      *string       `json:"description,omitempty"`
	StripeCreatedAt  *time.Time    `json:"stripe_created_at,omitempty"`
	Metadata         JSONB         `json:"metadata"`
	CreatedAt        time.Time     `json:"created_at"`
}
