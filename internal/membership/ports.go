package membership

import (
	"context"

	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
)

// Gateway is the slice of the payment provider the membership flows use.
// *stripe.Client satisfies it.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutParams) (*stripe.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ModifySubscription(ctx context.Context, id string, cancelAtPeriodEnd bool) error
}

// TxRunner opens a transaction scoped to fn.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.MembershipTx) error) error
}

// Reader covers the non-locking reads used outside transactions.
type Reader interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetMembershipByUserID(ctx context.Context, userID int64) (*models.UserMembership, error)
	GetMembershipWithPlanByUserID(ctx context.Context, userID int64) (*models.MembershipWithPlan, error)
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error)
}

// Repository is everything the checkout coordinator needs from storage.
// *store.Store satisfies it.
type Repository interface {
	TxRunner
	Reader
}

// CatalogStore persists membership plans.
type CatalogStore interface {
	ListPlans(ctx context.Context) ([]models.MembershipPlan, error)
	GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error)
	UpdatePlan(ctx context.Context, id int64, patch models.PlanPatch) (*models.MembershipPlan, error)
}

// PlanCache is an optional look-aside cache for the catalog. A false second
// return means a miss.
type PlanCache interface {
	GetPlans(ctx context.Context) ([]models.MembershipPlan, bool)
	SetPlans(ctx context.Context, plans []models.MembershipPlan)
	GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, bool)
	SetPlan(ctx context.Context, plan *models.MembershipPlan)
	Invalidate(ctx context.Context, id int64)
}

// AnomalyReporter records reconciliation anomalies for operators.
type AnomalyReporter interface {
	Report(ctx context.Context, a *Anomaly)
}

// RetryQueue stores a verified event for later re-application.
type RetryQueue interface {
	EnqueueEvent(ctx context.Context, ev *stripe.Event, reason string) error
}
