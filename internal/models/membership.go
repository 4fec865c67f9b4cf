package models

import (
	"fmt"
	"time"
)

// MembershipStatus mirrors Stripe's subscription status vocabulary. Values are
// stored and compared verbatim against webhook payloads.
type MembershipStatus string

const (
	MembershipStatusIncomplete        MembershipStatus = "incomplete"
	MembershipStatusIncompleteExpired MembershipStatus = "incomplete_expired"
	MembershipStatusTrialing          MembershipStatus = "trialing"
	MembershipStatusActive            MembershipStatus = "active"
	MembershipStatusPastDue           MembershipStatus = "past_due"
	MembershipStatusCanceled          MembershipStatus = "canceled"
	MembershipStatusUnpaid            MembershipStatus = "unpaid"
)

// ParseMembershipStatus maps a provider status string onto the closed enum.
func ParseMembershipStatus(s string) (MembershipStatus, error) {
	switch st := MembershipStatus(s); st {
	case MembershipStatusIncomplete, MembershipStatusIncompleteExpired, MembershipStatusTrialing,
		MembershipStatusActive, MembershipStatusPastDue, MembershipStatusCanceled, MembershipStatusUnpaid:
		return st, nil
	}
	return "", fmt.Errorf("unknown membership status %q", s)
}

// GrantsAccess reports whether a subscription in status s entitles its holder
// to the membership. past_due keeps access during the provider's grace period.
func (s MembershipStatus) GrantsAccess() bool {
	switch s {
	case MembershipStatusActive, MembershipStatusTrialing, MembershipStatusPastDue:
		return true
	}
	return false
}

// Billable reports whether the provider may still charge a subscription in status s.
func (s MembershipStatus) Billable() bool {
	return s.GrantsAccess() || s == MembershipStatusUnpaid
}

// ApprovalStatus is the administrative gate, independent of payment status.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// IsValid reports whether s is a known approval status.
func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		return true
	}
	return false
}

// UserMembership is the single membership record owned by a user.
type UserMembership struct {
	ID                       int64            `json:"id"`
	UserID                   int64            `json:"user_id"`
	MembershipTypeID         int64            `json:"membership_type_id"`
	Status                   MembershipStatus `json:"status"`
	ApprovalStatus           ApprovalStatus   `json:"approval_status"`
	StripeSubscriptionID     *string          `json:"stripe_subscription_id"`
	StripeCustomerID         *string          `json:"stripe_customer_id"`
	LatestInvoiceID          *string          `json:"latest_invoice_id"`
	CurrentPeriodEnd         *time.Time       `json:"current_period_end"`
	HasAccess                bool             `json:"has_access"`
	CancelAtPeriodEnd        bool             `json:"cancel_at_period_end"`
	CheckoutURL              *string          `json:"checkout_url"`
	CheckoutSessionExpiresAt *time.Time       `json:"checkout_session_expires_at"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

// MembershipWithPlan is a membership joined with its plan for display.
type MembershipWithPlan struct {
	UserMembership
	MembershipType MembershipPlan `json:"membership_type"`
}

// IsOwned reports whether the membership currently grants the plan: the status
// is active, trialing or past_due and the paid period, when known, has not ended.
func (m *UserMembership) IsOwned(now time.Time) bool {
	if !m.Status.GrantsAccess() {
		return false
	}
	return m.CurrentPeriodEnd == nil || m.CurrentPeriodEnd.After(now)
}

// IsLocked reports whether an unexpired checkout attempt is in flight.
func (m *UserMembership) IsLocked(now time.Time) bool {
	return m.Status == MembershipStatusIncomplete &&
		m.CheckoutURL != nil &&
		m.CheckoutSessionExpiresAt != nil &&
		m.CheckoutSessionExpiresAt.After(now)
}

// EffectiveStatus reports incomplete_expired for an incomplete membership whose
// checkout window has passed. Expiry is evaluated lazily, nothing sweeps it.
func (m *UserMembership) EffectiveStatus(now time.Time) MembershipStatus {
	if m.Status == MembershipStatusIncomplete &&
		m.CheckoutSessionExpiresAt != nil && !m.CheckoutSessionExpiresAt.After(now) {
		return MembershipStatusIncompleteExpired
	}
	return m.Status
}

// SubscriptionIs reports whether the stored provider subscription id equals id.
func (m *UserMembership) SubscriptionIs(id string) bool {
	return m.StripeSubscriptionID != nil && *m.StripeSubscriptionID == id
}

// SetCheckout records an in-flight session. Both lock fields move together.
func (m *UserMembership) SetCheckout(url string, expiresAt time.Time) {
	m.CheckoutURL = &url
	m.CheckoutSessionExpiresAt = &expiresAt
}

// ClearCheckout releases the checkout lock.
func (m *UserMembership) ClearCheckout() {
	m.CheckoutURL = nil
	m.CheckoutSessionExpiresAt = nil
}

// ResetForCheckout prepares a reused row for a fresh purchase of planID.
func (m *UserMembership) ResetForCheckout(planID int64) {
	m.MembershipTypeID = planID
	m.Status = MembershipStatusIncomplete
	m.StripeSubscriptionID = nil
	m.StripeCustomerID = nil
	m.LatestInvoiceID = nil
	m.CurrentPeriodEnd = nil
	m.HasAccess = false
	m.CancelAtPeriodEnd = false
	m.ClearCheckout()
}

// MembershipFilter narrows admin listings.
type MembershipFilter struct {
	Status         MembershipStatus
	ApprovalStatus ApprovalStatus
	Limit          int
	Offset         int
}
