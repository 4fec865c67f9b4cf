package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
)

// memStore is an in-memory Repository. InTx serializes callers and restores
// the previous state when fn fails, standing in for row locks and rollback.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]*models.User
	plans       map[int64]*models.MembershipPlan
	memberships map[int64]models.UserMembership
	payments    []models.Payment
	nextID      int64
}

func newMemStore() *memStore {
	s := &memStore{
		users:       map[int64]*models.User{},
		plans:       map[int64]*models.MembershipPlan{},
		memberships: map[int64]models.UserMembership{},
		nextID:      100,
	}
	s.plans[1] = &models.MembershipPlan{ID: 1, Name: "Active", Type: models.PlanCategoryActive, PriceCents: 12000, Currency: "usd", DurationDays: 365, IsPurchasable: true, StripePriceID: "price_active"}
	s.plans[2] = &models.MembershipPlan{ID: 2, Name: "Trainee", Type: models.PlanCategoryTrainee, PriceCents: 6000, Currency: "usd", DurationDays: 365, IsPurchasable: true, StripePriceID: "price_trainee"}
	s.plans[4] = &models.MembershipPlan{ID: 4, Name: "Honorary", Type: models.PlanCategoryHonorary, Currency: "usd", DurationDays: 365, IsPurchasable: true, StripePriceID: "price_honorary"}
	s.plans[5] = &models.MembershipPlan{ID: 5, Name: "Pathway", Type: models.PlanCategoryPathway, PriceCents: 3000, Currency: "usd", DurationDays: 365, IsPurchasable: false, StripePriceID: "price_pathway"}
	s.users[1] = &models.User{ID: 1, Email: "ana@example.org", Name: "Ana"}
	s.users[2] = &models.User{ID: 2, Email: "ben@example.org", Name: "Ben"}
	return s
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

// put stores m as-is and returns its id.
func (s *memStore) put(m models.UserMembership) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	if m.ApprovalStatus == "" {
		m.ApprovalStatus = models.ApprovalStatusPending
	}
	s.memberships[m.ID] = m
	return m.ID
}

func (s *memStore) membership(t *testing.T, userID int64) models.UserMembership {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID {
			return m
		}
	}
	t.Fatalf("no membership for user %d", userID)
	return models.UserMembership{}
}

func (s *memStore) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.MembershipTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make(map[int64]models.UserMembership, len(s.memberships))
	for k, v := range s.memberships {
		saved[k] = v
	}
	savedPayments := len(s.payments)

	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.memberships = saved
		s.payments = s.payments[:savedPayments]
		return err
	}
	return nil
}

func (s *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetMembershipByUserID(_ context.Context, userID int64) (*models.UserMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID {
			cp := m
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) GetMembershipWithPlanByUserID(ctx context.Context, userID int64) (*models.MembershipWithPlan, error) {
	m, err := s.GetMembershipByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.MembershipWithPlan{UserMembership: *m, MembershipType: *s.plans[m.MembershipTypeID]}, nil
}

func (s *memStore) GetPaymentByInvoiceID(_ context.Context, invoiceID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (s *memStore) ListPaymentsByUser(_ context.Context, userID int64, _ int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Payment{}
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// memTx runs with memStore.mu held.
type memTx struct {
	s *memStore
}

func (t *memTx) GetPlan(_ context.Context, id int64) (*models.MembershipPlan, error) {
	p, ok := t.s.plans[id]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) EnsureMembership(_ context.Context, userID, planID int64) (*models.UserMembership, error) {
	for _, m := range t.s.memberships {
		if m.UserID == userID {
			cp := m
			return &cp, nil
		}
	}
	m := models.UserMembership{
		ID:               t.s.id(),
		UserID:           userID,
		MembershipTypeID: planID,
		Status:           models.MembershipStatusIncomplete,
		ApprovalStatus:   models.ApprovalStatusPending,
	}
	t.s.memberships[m.ID] = m
	return &m, nil
}

func (t *memTx) LockMembershipByID(_ context.Context, id int64) (*models.UserMembership, error) {
	m, ok := t.s.memberships[id]
	if !ok {
		return nil, store.ErrMembershipNotFound
	}
	return &m, nil
}

func (t *memTx) LockMembershipBySubscriptionID(_ context.Context, subID string) (*models.UserMembership, error) {
	for _, m := range t.s.memberships {
		if m.SubscriptionIs(subID) {
			cp := m
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (t *memTx) UpdateMembership(_ context.Context, m *models.UserMembership) error {
	if _, ok := t.s.memberships[m.ID]; !ok {
		return store.ErrMembershipNotFound
	}
	if m.StripeSubscriptionID != nil {
		for id, other := range t.s.memberships {
			if id != m.ID && other.SubscriptionIs(*m.StripeSubscriptionID) {
				return store.ErrDuplicateSubscription
			}
		}
	}
	t.s.memberships[m.ID] = *m
	return nil
}

func (t *memTx) RecordPayment(_ context.Context, p *models.Payment) (bool, error) {
	for _, existing := range t.s.payments {
		if existing.InvoiceID == p.InvoiceID {
			return false, nil
		}
	}
	p.ID = t.s.id()
	if p.Status == "" {
		p.Status = models.PaymentStatusSucceeded
	}
	t.s.payments = append(t.s.payments, *p)
	return true, nil
}

// fakeGateway records provider calls.
type fakeGateway struct {
	mu sync.Mutex

	createCalls int
	lastParams  stripe.CheckoutParams
	createErr   error
	block       bool

	sessions      map[string]*stripe.CheckoutSession
	retrieveErr   error
	subscriptions map[string]*stripe.Subscription
	subErr        error

	modifyErr error
	modified  map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:      map[string]*stripe.CheckoutSession{},
		subscriptions: map[string]*stripe.Subscription{},
		modified:      map[string]bool{},
	}
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params stripe.CheckoutParams) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	g.createCalls++
	n := g.createCalls
	g.lastParams = params
	block, err := g.block, g.createErr
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("cs_test_%d_%s", n, params.Metadata[MetadataUserID])
	return &stripe.CheckoutSession{
		ID:       id,
		URL:      "https://checkout.stripe.com/c/pay/" + id,
		Mode:     "subscription",
		Metadata: params.Metadata,
	}, nil
}

func (g *fakeGateway) RetrieveCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, &stripe.APIError{StatusCode: 404, Message: "No such checkout.session"}
	}
	return s, nil
}

func (g *fakeGateway) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subErr != nil {
		return nil, g.subErr
	}
	s, ok := g.subscriptions[id]
	if !ok {
		return nil, &stripe.APIError{StatusCode: 404, Message: "No such subscription"}
	}
	return s, nil
}

func (g *fakeGateway) ModifySubscription(_ context.Context, id string, cancelAtPeriodEnd bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.modifyErr != nil {
		return g.modifyErr
	}
	g.modified[id] = cancelAtPeriodEnd
	return nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

type recordingReporter struct {
	mu        sync.Mutex
	anomalies []*Anomaly
}

func (r *recordingReporter) Report(_ context.Context, a *Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
}

type recordingQueue struct {
	events  []*stripe.Event
	reasons []string
	err     error
}

func (q *recordingQueue) EnqueueEvent(_ context.Context, ev *stripe.Event, reason string) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	q.reasons = append(q.reasons, reason)
	return nil
}

// fixedClock returns a clock frozen at a known instant.
func fixedClock() (time.Time, func() time.Time) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	return now, func() time.Time { return now }
}

func eventPayload(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": 1741953600,
		"data":    map[string]json.RawMessage{"object": obj},
	})
	require.NoError(t, err)
	return payload
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
