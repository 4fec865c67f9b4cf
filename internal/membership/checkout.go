package membership

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
)

const checkoutModeSubscription = "subscription"

// Metadata keys attached to checkout sessions and their subscriptions.
const (
	MetadataMembershipTypeID = "membership_type_id"
	MetadataUserID           = "user_id"
	MetadataUserMembershipID = "user_membership_id"
)

// DefaultCheckoutTTL is how long a checkout session stays locked to its user.
const DefaultCheckoutTTL = 30 * time.Minute

// CheckoutConfig holds the coordinator settings.
type CheckoutConfig struct {
	TTL            time.Duration
	GatewayTimeout time.Duration
	SuccessURL     string
	CancelURL      string
}

// Coordinator creates checkout sessions and forwards cancel/resume requests
// to the payment provider.
type Coordinator struct {
	repo    Repository
	gateway Gateway
	cfg     CheckoutConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(repo Repository, gateway Gateway, cfg CheckoutConfig, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCheckoutTTL
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	c := &Coordinator{
		repo:    repo,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With().Str("component", "checkout").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCheckoutSession returns a hosted checkout URL for userID to buy
// planID. While an earlier session is still locked its URL is returned
// unchanged and the provider is not called.
//
// The membership row stays locked for the duration of the provider call, so
// concurrent requests for the same user serialize and the later one observes
// the lock written by the first. The lock fields are only persisted once the
// provider has answered.
func (c *Coordinator) CreateCheckoutSession(ctx context.Context, userID, planID int64) (string, error) {
	user, err := c.repo.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return "", fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}

	var (
		checkoutURL string
		outcome     = "created"
	)

	err = c.repo.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		plan, err := tx.GetPlan(ctx, planID)
		if errors.Is(err, store.ErrPlanNotFound) {
			return ErrPlanNotFound
		}
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if !plan.Type.Purchasable() || !plan.IsPurchasable {
			return ErrPlanNotPurchasable
		}

		m, err := tx.EnsureMembership(ctx, user.ID, plan.ID)
		if err != nil {
			return fmt.Errorf("ensure membership: %w", err)
		}

		now := c.now()
		if m.IsOwned(now) {
			if m.MembershipTypeID == plan.ID {
				return ErrAlreadyPurchased
			}
			return ErrActiveMembershipExists
		}

		if m.IsLocked(now) {
			c.logger.Warn().
				Int64("user_id", user.ID).
				Int64("membership_type_id", plan.ID).
				Msg("duplicate checkout attempt, returning locked session")
			checkoutURL = *m.CheckoutURL
			outcome = "reused"
			return nil
		}

		if err := c.ensureSubscriptionClosed(ctx, m); err != nil {
			if errors.Is(err, ErrProvider) {
				outcome = "provider_error"
			}
			return err
		}

		m.ResetForCheckout(plan.ID)
		expiresAt := now.Add(c.cfg.TTL).Truncate(time.Second)

		session, err := c.createSession(ctx, user, plan, m, expiresAt)
		if err != nil {
			outcome = "provider_error"
			return err
		}

		m.SetCheckout(session.URL, expiresAt)
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return fmt.Errorf("persist checkout lock: %w", err)
		}

		c.logger.Info().
			Int64("user_id", user.ID).
			Int64("user_membership_id", m.ID).
			Str("session_id", session.ID).
			Str("price_id", plan.StripePriceID).
			Msg("checkout session created")
		checkoutURL = session.URL
		return nil
	})
	if err != nil {
		switch {
		case outcome == "provider_error":
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrForbidden):
			outcome = "rejected"
		default:
			outcome = "error"
		}
		metrics.IncCheckout(outcome)
		return "", err
	}

	metrics.IncCheckout(outcome)
	return checkoutURL, nil
}

// ensureSubscriptionClosed refuses to reset a lapsed row while the provider
// may still charge its subscription. Resetting drops the subscription id, and
// later invoices for it would no longer resolve to a membership.
func (c *Coordinator) ensureSubscriptionClosed(ctx context.Context, m *models.UserMembership) error {
	if m.StripeSubscriptionID == nil || !m.Status.Billable() {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	sub, err := c.gateway.RetrieveSubscription(callCtx, *m.StripeSubscriptionID)
	if err != nil {
		var apiErr *stripe.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return providerError("retrieve subscription", err)
	}
	if models.MembershipStatus(sub.Status).Billable() {
		c.logger.Warn().
			Int64("user_id", m.UserID).
			Str("subscription_id", sub.ID).
			Str("provider_status", sub.Status).
			Msg("checkout refused, previous subscription still open")
		return ErrSubscriptionStillOpen
	}
	return nil
}

func (c *Coordinator) createSession(ctx context.Context, user *models.User, plan *models.MembershipPlan, m *models.UserMembership, expiresAt time.Time) (*stripe.CheckoutSession, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	params := stripe.CheckoutParams{
		PriceID:       plan.StripePriceID,
		CustomerEmail: user.Email,
		SuccessURL:    c.cfg.SuccessURL,
		CancelURL:     c.cfg.CancelURL,
		ExpiresAt:     expiresAt,
		Metadata: stripe.Metadata{
			MetadataMembershipTypeID: strconv.FormatInt(plan.ID, 10),
			MetadataUserID:           strconv.FormatInt(user.ID, 10),
			MetadataUserMembershipID: strconv.FormatInt(m.ID, 10),
		},
		IdempotencyKey: fmt.Sprintf("checkout-%d-%d-%d", m.ID, plan.ID, expiresAt.Unix()),
	}

	session, err := c.gateway.CreateCheckoutSession(callCtx, params)
	if err != nil {
		c.logger.Error().Err(err).Int64("user_id", user.ID).Msg("stripe checkout session create failed")
		return nil, providerError("create checkout session", err)
	}
	if session.URL == "" {
		return nil, providerError("create checkout session", errors.New("session has no url"))
	}
	return session, nil
}

// CancelMembership asks the provider to stop renewing the user's subscription
// at the end of the current period. Local state follows via webhook.
func (c *Coordinator) CancelMembership(ctx context.Context, userID int64) error {
	return c.setCancelAtPeriodEnd(ctx, userID, true)
}

// ResumeMembership reverses a pending cancellation.
func (c *Coordinator) ResumeMembership(ctx context.Context, userID int64) error {
	return c.setCancelAtPeriodEnd(ctx, userID, false)
}

func (c *Coordinator) setCancelAtPeriodEnd(ctx context.Context, userID int64, cancelAtPeriodEnd bool) error {
	m, err := c.repo.GetMembershipByUserID(ctx, userID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return ErrNoActiveMembership
	}
	if err != nil {
		return fmt.Errorf("load membership: %w", err)
	}
	if m.Status != models.MembershipStatusActive || m.StripeSubscriptionID == nil {
		return ErrNoActiveMembership
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	if err := c.gateway.ModifySubscription(callCtx, *m.StripeSubscriptionID, cancelAtPeriodEnd); err != nil {
		c.logger.Error().Err(err).Int64("user_id", userID).Msg("stripe subscription modify failed")
		return providerError("modify subscription", err)
	}

	c.logger.Info().
		Int64("user_id", userID).
		Str("subscription_id", *m.StripeSubscriptionID).
		Bool("cancel_at_period_end", cancelAtPeriodEnd).
		Msg("subscription change requested")
	return nil
}

// CheckoutSummary is what the return page shows after a checkout.
type CheckoutSummary struct {
	SessionID     string                 `json:"session_id"`
	Status        string                 `json:"status"`
	PaymentStatus string                 `json:"payment_status"`
	Membership    *models.UserMembership `json:"membership"`
	Payment       *models.Payment        `json:"payment"`
}

// GetCheckoutSummary looks up a provider session on behalf of userID.
func (c *Coordinator) GetCheckoutSummary(ctx context.Context, userID int64, sessionID string) (*CheckoutSummary, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	session, err := c.gateway.RetrieveCheckoutSession(callCtx, sessionID)
	if err != nil {
		var apiErr *stripe.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrCheckoutSessionNotFound
		}
		return nil, providerError("retrieve checkout session", err)
	}
	if session.Mode != checkoutModeSubscription {
		return nil, ErrNotSubscriptionSession
	}
	if owner, ok := session.Metadata.Int64(MetadataUserID); !ok || owner != userID {
		return nil, ErrSessionNotOwned
	}

	summary := &CheckoutSummary{
		SessionID:     session.ID,
		Status:        session.Status,
		PaymentStatus: session.PaymentStatus,
	}

	m, err := c.repo.GetMembershipByUserID(ctx, userID)
	switch {
	case err == nil:
		summary.Membership = m
	case !errors.Is(err, store.ErrMembershipNotFound):
		return nil, fmt.Errorf("load membership: %w", err)
	}

	if session.Invoice != "" {
		p, err := c.repo.GetPaymentByInvoiceID(ctx, string(session.Invoice))
		switch {
		case err == nil:
			summary.Payment = p
		case !errors.Is(err, store.ErrPaymentNotFound):
			return nil, fmt.Errorf("load payment: %w", err)
		}
	}
	return summary, nil
}

// CurrentMembership returns the user's membership with its plan.
func (c *Coordinator) CurrentMembership(ctx context.Context, userID int64) (*models.MembershipWithPlan, error) {
	m, err := c.repo.GetMembershipWithPlanByUserID(ctx, userID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	m.Status = m.EffectiveStatus(c.now())
	return m, nil
}

// ListPayments returns the user's ledger rows, newest first.
func (c *Coordinator) ListPayments(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	payments, err := c.repo.ListPaymentsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}
