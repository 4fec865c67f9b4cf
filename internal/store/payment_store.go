package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/membership-backend/internal/models"
)

const paymentColumns = `id, user_id, user_membership_id, membership_type_id, type, status,
	amount_total, currency, invoice_id, subscription_id, stripe_customer_id, price_id,
	billing_reason, livemode, description, stripe_created_at, metadata, created_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	if err := row.Scan(
		&p.ID, &p.UserID, &p.UserMembershipID, &p.MembershipTypeID, &p.Type, &p.Status,
		&p.AmountTotal, &p.Currency, &p.InvoiceID, &p.SubscriptionID, &p.StripeCustomerID, &p.PriceID,
		&p.BillingReason, &p.Livemode, &p.Description, &p.StripeCreatedAt, &p.Metadata, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordPayment appends a ledger row. It reports false, without error, when a
// row with the same invoice id already exists: the unique constraint, not a
// pre-check, is what makes concurrent redeliveries safe.
func (t *txStore) RecordPayment(ctx context.Context, p *models.Payment) (bool, error) {
	if p.InvoiceID == "" {
		return false, errors.New("store: payment invoice id is required")
	}
	if p.Status == "" {
		p.Status = models.PaymentStatusSucceeded
	}

	query := `
		INSERT INTO payments (user_id, user_membership_id, membership_type_id, type, status,
			amount_total, currency, invoice_id, subscription_id, stripe_customer_id, price_id,
			billing_reason, livemode, description, stripe_created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (invoice_id) DO NOTHING
		RETURNING id, created_at
	`
	err := t.tx.QueryRowContext(ctx, query,
		p.UserID, p.UserMembershipID, p.MembershipTypeID, p.Type, p.Status,
		p.AmountTotal, p.Currency, p.InvoiceID, p.SubscriptionID, p.StripeCustomerID, p.PriceID,
		p.BillingReason, p.Livemode, p.Description, p.StripeCreatedAt, p.Metadata,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: record payment %s: %w", p.InvoiceID, err)
	}
	return true, nil
}

// GetPaymentByInvoiceID returns the ledger row for a provider invoice.
func (s *Store) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1`, invoiceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("store: get payment by invoice: %w", err)
	}
	return p, nil
}

// ListPaymentsByUser returns up to limit ledger rows for a user, newest first.
func (s *Store) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}
