package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
)

// Event outcomes used for metrics and logs.
const (
	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
	outcomeAnomaly = "anomaly"
	outcomeError   = "error"
)

// checkoutClockSkew widens the checkout window when matching a subscription's
// creation time against it.
const checkoutClockSkew = 5 * time.Minute

// ReconcilerConfig holds webhook verification settings. CheckoutTTL must match
// the coordinator's so the checkout window can be recovered from the lock.
type ReconcilerConfig struct {
	WebhookSecret  string
	Tolerance      time.Duration
	GatewayTimeout time.Duration
	CheckoutTTL    time.Duration
}

// Reconciler applies verified provider events to local membership state.
// Every transition is an unconditional write of the provider's view, so
// re-applying an event leaves the row unchanged, and ledger rows are keyed
// by invoice id.
type Reconciler struct {
	tx       TxRunner
	gateway  Gateway
	cfg      ReconcilerConfig
	reporter AnomalyReporter
	retry    RetryQueue
	logger   zerolog.Logger
	now      func() time.Time
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithAnomalyReporter sets where anomalies are reported. Without one they are
// only logged.
func WithAnomalyReporter(r AnomalyReporter) ReconcilerOption {
	return func(rc *Reconciler) { rc.reporter = r }
}

// WithRetryQueue enables re-application of anomalous events.
func WithRetryQueue(q RetryQueue) ReconcilerOption {
	return func(rc *Reconciler) { rc.retry = q }
}

// WithReconcilerClock overrides the time source used for signature checks.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(rc *Reconciler) {
		if now != nil {
			rc.now = now
		}
	}
}

// NewReconciler builds a Reconciler.
func NewReconciler(tx TxRunner, gateway Gateway, cfg ReconcilerConfig, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = stripe.DefaultTolerance
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = DefaultCheckoutTTL
	}
	r := &Reconciler{
		tx:      tx,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent verifies and applies one webhook delivery. It returns an error
// wrapping ErrInvalidSignature when the payload is not authentic, nil when the
// event was applied, ignored or recorded as an anomaly, and any other error
// when the provider should redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	ev, err := stripe.ConstructEvent(payload, signatureHeader, r.cfg.WebhookSecret, r.cfg.Tolerance, r.now())
	if err != nil {
		metrics.IncWebhookEvent("", "invalid_signature")
		r.logger.Warn().Err(err).Msg("rejected webhook")
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	err = r.Apply(ctx, ev)
	anomaly, ok := AsAnomaly(err)
	if !ok {
		return err
	}

	if r.reporter != nil {
		r.reporter.Report(ctx, anomaly)
	}
	if r.retry != nil {
		if qerr := r.retry.EnqueueEvent(ctx, ev, anomaly.Reason); qerr != nil {
			r.logger.Error().Err(qerr).Str("event_id", ev.ID).Msg("failed to enqueue anomalous event")
			return fmt.Errorf("enqueue anomalous event: %w", qerr)
		}
	}
	return nil
}

// Apply dispatches an already-verified event. Unrecognised event types are
// accepted and ignored. Unresolvable events return an *Anomaly.
func (r *Reconciler) Apply(ctx context.Context, ev *stripe.Event) error {
	var (
		outcome string
		err     error
	)

	switch ev.Type {
	case stripe.EventCheckoutSessionCompleted:
		outcome, err = r.checkoutCompleted(ctx, ev)
	case stripe.EventInvoicePaid, stripe.EventInvoicePaymentSucceeded:
		outcome, err = r.invoicePaid(ctx, ev)
	case stripe.EventSubscriptionCreated, stripe.EventSubscriptionUpdated:
		outcome, err = r.subscriptionChanged(ctx, ev)
	case stripe.EventInvoicePaymentFailed:
		outcome, err = r.invoicePaymentFailed(ctx, ev)
	case stripe.EventSubscriptionDeleted:
		outcome, err = r.subscriptionDeleted(ctx, ev)
	default:
		outcome = outcomeIgnored
	}

	if err != nil {
		outcome = outcomeError
		if _, ok := AsAnomaly(err); ok {
			outcome = outcomeAnomaly
		}
	}
	metrics.IncWebhookEvent(ev.Type, outcome)

	var evt *zerolog.Event
	if err != nil {
		evt = r.logger.Warn().Err(err)
	} else {
		evt = r.logger.Info()
	}
	evt.Str("event_id", ev.ID).Str("event_type", ev.Type).Str("outcome", outcome).Msg("webhook event processed")
	return err
}

func (r *Reconciler) anomaly(ev *stripe.Event, reason, subscriptionID string, err error) *Anomaly {
	return &Anomaly{Reason: reason, EventID: ev.ID, EventType: ev.Type, SubscriptionID: subscriptionID, Err: err}
}

func (r *Reconciler) retrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	sub, err := r.gateway.RetrieveSubscription(callCtx, id)
	if err != nil {
		return nil, providerError("retrieve subscription", err)
	}
	return sub, nil
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, ev *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := ev.DecodeObject(&session); err != nil {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", err)
	}
	if session.Mode != checkoutModeSubscription {
		return outcomeIgnored, nil
	}

	membershipID, ok := session.Metadata.Int64(MetadataUserMembershipID)
	if !ok {
		return "", r.anomaly(ev, ReasonMissingMetadata, string(session.Subscription), nil)
	}
	subID := string(session.Subscription)
	if subID == "" {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", errors.New("completed session has no subscription"))
	}

	sub, err := r.retrieveSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	status, err := models.ParseMembershipStatus(sub.Status)
	if err != nil {
		return "", r.anomaly(ev, ReasonUnknownStatus, subID, err)
	}

	outcome := outcomeApplied
	err = r.tx.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		m, err := tx.LockMembershipByID(ctx, membershipID)
		if errors.Is(err, store.ErrMembershipNotFound) {
			return r.anomaly(ev, ReasonMembershipNotFound, subID, err)
		}
		if err != nil {
			return err
		}
		if m.StripeSubscriptionID != nil && !m.SubscriptionIs(subID) {
			return r.anomaly(ev, ReasonSubscriptionMismatch, subID, nil)
		}
		if m.StripeSubscriptionID == nil && !r.bindable(m, sub) {
			return r.anomaly(ev, ReasonStaleSubscription, subID, nil)
		}

		if isTerminalFor(m, subID) {
			outcome = outcomeIgnored
		} else {
			activate(m, sub, status, time.Time{})
			if err := r.updateMembership(ctx, tx, ev, m, subID); err != nil {
				return err
			}
		}

		if session.Invoice == "" {
			return nil
		}
		p := &models.Payment{
			UserID:           m.UserID,
			UserMembershipID: &m.ID,
			MembershipTypeID: &m.MembershipTypeID,
			Type:             models.PaymentTypeSubscriptionInitial,
			AmountTotal:      session.AmountTotal,
			Currency:         session.Currency,
			InvoiceID:        string(session.Invoice),
			SubscriptionID:   &subID,
			StripeCustomerID: optional(string(session.Customer)),
			PriceID:          optional(sub.PriceID()),
			BillingReason:    optional(stripe.BillingReasonSubscriptionCreate),
			Livemode:         session.Livemode,
			StripeCreatedAt:  optionalTime(time.Unix(session.Created, 0).UTC(), session.Created > 0),
			Metadata:         ledgerMetadata(ev, session.Metadata),
		}
		return r.recordPayment(ctx, tx, p)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (r *Reconciler) invoicePaid(ctx context.Context, ev *stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := ev.DecodeObject(&inv); err != nil {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", err)
	}
	subID := inv.SubscriptionID()
	if subID == "" || inv.ID == "" {
		return outcomeIgnored, nil
	}

	sub, err := r.retrieveSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	status, err := models.ParseMembershipStatus(sub.Status)
	if err != nil {
		return "", r.anomaly(ev, ReasonUnknownStatus, subID, err)
	}

	paymentType := models.PaymentTypeSubscriptionRenewal
	if inv.BillingReason == stripe.BillingReasonSubscriptionCreate {
		paymentType = models.PaymentTypeSubscriptionInitial
	}

	err = r.tx.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		m, viaMetadata, err := r.resolve(ctx, tx, ev, sub, inv.SubscriptionMetadata(), sub.Metadata)
		if err != nil {
			return err
		}
		if viaMetadata && !claimsCheckout(status) {
			return r.anomaly(ev, ReasonStaleSubscription, subID, nil)
		}

		if !isTerminalFor(m, subID) {
			activate(m, sub, status, inv.PeriodEnd())
			m.LatestInvoiceID = &inv.ID
			if err := r.updateMembership(ctx, tx, ev, m, subID); err != nil {
				return err
			}
		}

		priceID := inv.PriceID()
		if priceID == "" {
			priceID = sub.PriceID()
		}
		p := &models.Payment{
			UserID:           m.UserID,
			UserMembershipID: &m.ID,
			MembershipTypeID: &m.MembershipTypeID,
			Type:             paymentType,
			AmountTotal:      inv.AmountPaid,
			Currency:         inv.Currency,
			InvoiceID:        inv.ID,
			SubscriptionID:   &subID,
			StripeCustomerID: optional(string(inv.Customer)),
			PriceID:          optional(priceID),
			BillingReason:    optional(inv.BillingReason),
			Livemode:         inv.Livemode,
			Description:      optional(inv.Description),
			StripeCreatedAt:  optionalTime(inv.CreatedAt(), inv.Created > 0),
			Metadata:         ledgerMetadata(ev, inv.SubscriptionMetadata()),
		}
		return r.recordPayment(ctx, tx, p)
	})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, ev *stripe.Event) (string, error) {
	var sub stripe.Subscription
	if err := ev.DecodeObject(&sub); err != nil || sub.ID == "" {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", err)
	}
	status, err := models.ParseMembershipStatus(sub.Status)
	if err != nil {
		return "", r.anomaly(ev, ReasonUnknownStatus, sub.ID, err)
	}

	outcome := outcomeApplied
	err = r.tx.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		m, viaMetadata, err := r.resolve(ctx, tx, ev, &sub, sub.Metadata)
		if err != nil {
			return err
		}
		// A terminal status must not release a live checkout it was never part of.
		if viaMetadata && !claimsCheckout(status) {
			return r.anomaly(ev, ReasonStaleSubscription, sub.ID, nil)
		}
		if isTerminalFor(m, sub.ID) {
			outcome = outcomeIgnored
			return nil
		}

		// A late "created" event must not undo an activation already applied
		// from the first invoice.
		if status == models.MembershipStatusIncomplete && m.HasAccess {
			status = m.Status
		}

		m.Status = status
		m.StripeSubscriptionID = &sub.ID
		if c := string(sub.Customer); c != "" {
			m.StripeCustomerID = &c
		}
		if end := sub.PeriodEnd(); !end.IsZero() {
			m.CurrentPeriodEnd = &end
		}
		m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		switch {
		case status.GrantsAccess():
			m.HasAccess = true
			m.ClearCheckout()
		case status == models.MembershipStatusIncomplete:
		default:
			m.HasAccess = false
			m.ClearCheckout()
		}
		return r.updateMembership(ctx, tx, ev, m, sub.ID)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (r *Reconciler) invoicePaymentFailed(ctx context.Context, ev *stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := ev.DecodeObject(&inv); err != nil {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", err)
	}
	// The first charge failing leaves the checkout in flight; only renewals
	// move a membership into the grace period.
	if inv.BillingReason == stripe.BillingReasonSubscriptionCreate {
		return outcomeIgnored, nil
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		return outcomeIgnored, nil
	}

	outcome := outcomeApplied
	err := r.tx.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		m, err := r.lockBySubscription(ctx, tx, ev, subID)
		if err != nil {
			return err
		}
		if isTerminalFor(m, subID) {
			outcome = outcomeIgnored
			return nil
		}
		m.Status = models.MembershipStatusPastDue
		return r.updateMembership(ctx, tx, ev, m, subID)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, ev *stripe.Event) (string, error) {
	var sub stripe.Subscription
	if err := ev.DecodeObject(&sub); err != nil || sub.ID == "" {
		return "", r.anomaly(ev, ReasonMalformedPayload, "", err)
	}

	err := r.tx.InTx(ctx, func(ctx context.Context, tx store.MembershipTx) error {
		m, err := r.lockBySubscription(ctx, tx, ev, sub.ID)
		if err != nil {
			return err
		}
		m.Status = models.MembershipStatusCanceled
		m.HasAccess = false
		m.CancelAtPeriodEnd = false
		m.ClearCheckout()
		if end := sub.PeriodEnd(); !end.IsZero() {
			m.CurrentPeriodEnd = &end
		}
		return r.updateMembership(ctx, tx, ev, m, sub.ID)
	})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (r *Reconciler) lockBySubscription(ctx context.Context, tx store.MembershipTx, ev *stripe.Event, subID string) (*models.UserMembership, error) {
	m, err := tx.LockMembershipBySubscriptionID(ctx, subID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, r.anomaly(ev, ReasonUnknownSubscription, subID, nil)
	}
	return m, err
}

// resolve finds the membership for sub. When the subscription id has not been
// stored yet it falls back to the correlation metadata, and the second return
// reports that it did. The fallback only accepts a row that is waiting on the
// checkout which created sub; every checkout reuses the same row, so metadata
// from an earlier subscription still names it.
func (r *Reconciler) resolve(ctx context.Context, tx store.MembershipTx, ev *stripe.Event, sub *stripe.Subscription, candidates ...stripe.Metadata) (*models.UserMembership, bool, error) {
	m, err := tx.LockMembershipBySubscriptionID(ctx, sub.ID)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, store.ErrMembershipNotFound) {
		return nil, false, err
	}

	for _, md := range candidates {
		id, ok := md.Int64(MetadataUserMembershipID)
		if !ok {
			continue
		}
		m, err := tx.LockMembershipByID(ctx, id)
		if errors.Is(err, store.ErrMembershipNotFound) {
			return nil, false, r.anomaly(ev, ReasonMembershipNotFound, sub.ID, err)
		}
		if err != nil {
			return nil, false, err
		}
		if m.StripeSubscriptionID != nil {
			return nil, false, r.anomaly(ev, ReasonSubscriptionMismatch, sub.ID, nil)
		}
		if !r.bindable(m, sub) {
			return nil, false, r.anomaly(ev, ReasonStaleSubscription, sub.ID, nil)
		}
		return m, true, nil
	}
	return nil, false, r.anomaly(ev, ReasonUnknownSubscription, sub.ID, nil)
}

// bindable reports whether sub can be attached to m, which holds no
// subscription yet: m must be waiting on a checkout and sub must have been
// created inside that checkout's window.
func (r *Reconciler) bindable(m *models.UserMembership, sub *stripe.Subscription) bool {
	if m.Status != models.MembershipStatusIncomplete || m.CheckoutSessionExpiresAt == nil {
		return false
	}
	created := sub.CreatedAt()
	if created.IsZero() {
		return false
	}
	expires := *m.CheckoutSessionExpiresAt
	start := expires.Add(-r.cfg.CheckoutTTL - checkoutClockSkew)
	return !created.Before(start) && !created.After(expires.Add(checkoutClockSkew))
}

// claimsCheckout reports whether a subscription in status s may take over the
// checkout it was resolved to through metadata.
func claimsCheckout(s models.MembershipStatus) bool {
	return s.GrantsAccess() || s == models.MembershipStatusIncomplete
}

func (r *Reconciler) updateMembership(ctx context.Context, tx store.MembershipTx, ev *stripe.Event, m *models.UserMembership, subID string) error {
	err := tx.UpdateMembership(ctx, m)
	if errors.Is(err, store.ErrDuplicateSubscription) {
		return r.anomaly(ev, ReasonSubscriptionMismatch, subID, err)
	}
	return err
}

func (r *Reconciler) recordPayment(ctx context.Context, tx store.MembershipTx, p *models.Payment) error {
	inserted, err := tx.RecordPayment(ctx, p)
	if err != nil {
		return err
	}
	if inserted {
		metrics.IncPaymentRecorded(string(p.Type))
		r.logger.Info().
			Int64("user_id", p.UserID).
			Str("invoice_id", p.InvoiceID).
			Str("type", string(p.Type)).
			Int64("amount_total", p.AmountTotal).
			Msg("payment recorded")
		return nil
	}
	r.logger.Debug().Str("invoice_id", p.InvoiceID).Msg("payment already recorded")
	return nil
}

// activate applies the provider's view after a checkout or payment. Access is
// granted only for statuses that carry it, and the checkout lock is kept while
// the subscription is still incomplete. periodFallback is used when the
// subscription itself does not report a period end.
func activate(m *models.UserMembership, sub *stripe.Subscription, status models.MembershipStatus, periodFallback time.Time) {
	m.Status = status
	m.StripeSubscriptionID = &sub.ID
	if c := string(sub.Customer); c != "" {
		m.StripeCustomerID = &c
	}
	end := sub.PeriodEnd()
	if end.IsZero() {
		end = periodFallback
	}
	if !end.IsZero() {
		m.CurrentPeriodEnd = &end
	}
	m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	m.HasAccess = status.GrantsAccess()
	if status != models.MembershipStatusIncomplete {
		m.ClearCheckout()
	}
}

// isTerminalFor reports whether m was canceled for subID. Later events for
// the same subscription do not revive it.
func isTerminalFor(m *models.UserMembership, subID string) bool {
	return m.Status == models.MembershipStatusCanceled && m.SubscriptionIs(subID)
}

func ledgerMetadata(ev *stripe.Event, md stripe.Metadata) models.JSONB {
	out := models.JSONB{"event_id": ev.ID, "event_type": ev.Type}
	for k, v := range md {
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}
