package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/middleware"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
)

var testLogger = zerolog.Nop()

// withRoute runs h behind a chi router so URL params resolve.
func withRoute(method, pattern string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	return r
}

func authed(req *http.Request, userID int64) *http.Request {
	return req.WithContext(middleware.WithIdentity(req.Context(), middleware.Identity{UserID: userID}))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body["error"]
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{membership.ErrPlanNotFound, http.StatusNotFound},
		{membership.ErrNoActiveMembership, http.StatusNotFound},
		{membership.ErrAlreadyPurchased, http.StatusConflict},
		{membership.ErrPlanNotPurchasable, http.StatusForbidden},
		{membership.ErrSessionNotOwned, http.StatusForbidden},
		{membership.ErrNotSubscriptionSession, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", membership.ErrInvalidSignature), http.StatusBadRequest},
		{fmt.Errorf("create session: %w", membership.ErrProvider), http.StatusBadGateway},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		writeError(rr, req, testLogger, tt.err)
		assert.Equal(t, tt.want, rr.Code, tt.err.Error())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	writeError(rr, req, testLogger, errors.New("pq: password authentication failed"))

	assert.Equal(t, "internal server error", decodeError(t, rr))
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Health()(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	ts, ok := payload["timestamp"].(string)
	require.True(t, ok, "timestamp missing")
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestHealthDegraded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Health(
		HealthCheck{Name: "database", Check: func(context.Context) error { return errors.New("down") }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }},
	)(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "degraded", payload.Status)
	assert.Equal(t, "down", payload.Checks["database"])
	assert.Equal(t, "ok", payload.Checks["redis"])
}

type mockCatalog struct {
	plans   []models.MembershipPlan
	updated *models.PlanPatch
	err     error
}

func (m *mockCatalog) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	return m.plans, m.err
}

func (m *mockCatalog) GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.plans {
		if m.plans[i].ID == id {
			return &m.plans[i], nil
		}
	}
	return nil, membership.ErrPlanNotFound
}

func (m *mockCatalog) UpdatePlan(ctx context.Context, id int64, patch models.PlanPatch) (*models.MembershipPlan, error) {
	m.updated = &patch
	plan, err := m.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(plan)
	return plan, nil
}

func TestListMembershipTypes(t *testing.T) {
	catalog := &mockCatalog{plans: []models.MembershipPlan{{ID: 1, Name: "Active"}, {ID: 2, Name: "Trainee"}}}
	rr := httptest.NewRecorder()

	ListMembershipTypes(catalog, testLogger)(rr, httptest.NewRequest(http.MethodGet, "/membership-types", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var plans []models.MembershipPlan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &plans))
	assert.Len(t, plans, 2)
}

func TestGetMembershipType(t *testing.T) {
	catalog := &mockCatalog{plans: []models.MembershipPlan{{ID: 2, Name: "Trainee"}}}
	h := withRoute(http.MethodGet, "/membership-types/{id}", GetMembershipType(catalog, testLogger))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/membership-types/2", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/membership-types/99", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/membership-types/abc", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateMembershipType(t *testing.T) {
	catalog := &mockCatalog{plans: []models.MembershipPlan{{ID: 1, Name: "Active"}}}
	h := withRoute(http.MethodPut, "/membership-types/{id}", UpdateMembershipType(catalog, testLogger))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/membership-types/1", strings.NewReader(`{"name":"Active Plus"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, catalog.updated)
	require.NotNil(t, catalog.updated.Name)
	assert.Equal(t, "Active Plus", *catalog.updated.Name)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/membership-types/1", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/membership-types/1", strings.NewReader(`{"colour":"red"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type mockCheckout struct {
	url       string
	err       error
	gotUser   int64
	gotPlan   int64
	summary   *membership.CheckoutSummary
	cancelled bool
	resumed   bool
	current   *models.MembershipWithPlan
	payments  []models.Payment
	gotLimit  int
}

func (m *mockCheckout) CreateCheckoutSession(ctx context.Context, userID, planID int64) (string, error) {
	m.gotUser, m.gotPlan = userID, planID
	return m.url, m.err
}

func (m *mockCheckout) GetCheckoutSummary(ctx context.Context, userID int64, sessionID string) (*membership.CheckoutSummary, error) {
	m.gotUser = userID
	return m.summary, m.err
}

func (m *mockCheckout) CancelMembership(ctx context.Context, userID int64) error {
	m.cancelled = true
	return m.err
}

func (m *mockCheckout) ResumeMembership(ctx context.Context, userID int64) error {
	m.resumed = true
	return m.err
}

func (m *mockCheckout) CurrentMembership(ctx context.Context, userID int64) (*models.MembershipWithPlan, error) {
	return m.current, m.err
}

func (m *mockCheckout) ListPayments(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	m.gotLimit = limit
	return m.payments, m.err
}

func TestCreateCheckoutSession(t *testing.T) {
	svc := &mockCheckout{url: "https://checkout.stripe.com/c/pay/cs_test_1"}
	h := withRoute(http.MethodPost, "/membership-types/{id}/checkout-sessions", CreateCheckoutSession(svc, testLogger))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authed(httptest.NewRequest(http.MethodPost, "/membership-types/2/checkout-sessions", nil), 7))

	require.Equal(t, http.StatusCreated, rr.Code)
	var url string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &url))
	assert.Equal(t, svc.url, url)
	assert.Equal(t, int64(7), svc.gotUser)
	assert.Equal(t, int64(2), svc.gotPlan)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{membership.ErrPlanNotPurchasable, http.StatusForbidden},
		{membership.ErrPlanNotFound, http.StatusNotFound},
		{membership.ErrAlreadyPurchased, http.StatusConflict},
		{membership.ErrActiveMembershipExists, http.StatusConflict},
		{fmt.Errorf("create checkout session: %w", membership.ErrProvider), http.StatusBadGateway},
	}
	for _, tt := range tests {
		svc := &mockCheckout{err: tt.err}
		h := withRoute(http.MethodPost, "/membership-types/{id}/checkout-sessions", CreateCheckoutSession(svc, testLogger))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authed(httptest.NewRequest(http.MethodPost, "/membership-types/2/checkout-sessions", nil), 1))
		assert.Equal(t, tt.want, rr.Code, tt.err.Error())
	}
}

func TestCreateCheckoutSessionRequiresIdentity(t *testing.T) {
	svc := &mockCheckout{}
	h := withRoute(http.MethodPost, "/membership-types/{id}/checkout-sessions", CreateCheckoutSession(svc, testLogger))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/membership-types/2/checkout-sessions", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Zero(t, svc.gotPlan)
}

func TestGetCheckoutSession(t *testing.T) {
	svc := &mockCheckout{summary: &membership.CheckoutSummary{SessionID: "cs_1", Status: "complete", PaymentStatus: "paid"}}
	h := withRoute(http.MethodGet, "/checkout-sessions/{id}", GetCheckoutSession(svc, testLogger))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authed(httptest.NewRequest(http.MethodGet, "/checkout-sessions/cs_1", nil), 3))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"cs_1"`)

	svc.err = membership.ErrSessionNotOwned
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authed(httptest.NewRequest(http.MethodGet, "/checkout-sessions/cs_1", nil), 3))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUpdateCurrentUserMembership(t *testing.T) {
	svc := &mockCheckout{}
	h := UpdateCurrentUserMembership(svc, testLogger)

	rr := httptest.NewRecorder()
	h(rr, authed(httptest.NewRequest(http.MethodPut, "/user-memberships/current-user-membership?action=cancel", nil), 1))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, svc.cancelled)

	rr = httptest.NewRecorder()
	h(rr, authed(httptest.NewRequest(http.MethodPut, "/user-memberships/current-user-membership?action=resume", nil), 1))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, svc.resumed)

	rr = httptest.NewRecorder()
	h(rr, authed(httptest.NewRequest(http.MethodPut, "/user-memberships/current-user-membership?action=pause", nil), 1))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateCurrentUserMembershipWithoutActive(t *testing.T) {
	svc := &mockCheckout{err: membership.ErrNoActiveMembership}
	rr := httptest.NewRecorder()

	UpdateCurrentUserMembership(svc, testLogger)(rr, authed(httptest.NewRequest(http.MethodPut, "/?action=cancel", nil), 1))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCurrentUserMembership(t *testing.T) {
	svc := &mockCheckout{current: &models.MembershipWithPlan{
		UserMembership: models.UserMembership{ID: 4, UserID: 1, Status: models.MembershipStatusActive},
	}}
	rr := httptest.NewRecorder()
	CurrentUserMembership(svc, testLogger)(rr, authed(httptest.NewRequest(http.MethodGet, "/", nil), 1))
	assert.Equal(t, http.StatusOK, rr.Code)

	svc = &mockCheckout{err: membership.ErrMembershipNotFound}
	rr = httptest.NewRecorder()
	CurrentUserMembership(svc, testLogger)(rr, authed(httptest.NewRequest(http.MethodGet, "/", nil), 1))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListPayments(t *testing.T) {
	svc := &mockCheckout{payments: []models.Payment{{ID: 1, InvoiceID: "in_1"}}}
	rr := httptest.NewRecorder()

	ListPayments(svc, testLogger)(rr, authed(httptest.NewRequest(http.MethodGet, "/payments?limit=5", nil), 1))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, svc.gotLimit)
	assert.Contains(t, rr.Body.String(), "in_1")
}

type mockWebhook struct {
	err     error
	payload []byte
	header  string
}

func (m *mockWebhook) HandleEvent(ctx context.Context, payload []byte, header string) error {
	m.payload, m.header = payload, header
	return m.err
}

func TestPaymentWebhook(t *testing.T) {
	wh := &mockWebhook{}
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()

	PaymentWebhook(wh, testLogger)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, `{"id":"evt_1"}`, string(wh.payload))
	assert.Equal(t, "t=1,v1=abc", wh.header)
}

func TestPaymentWebhookInvalidSignature(t *testing.T) {
	wh := &mockWebhook{err: fmt.Errorf("verify: %w", membership.ErrInvalidSignature)}
	rr := httptest.NewRecorder()

	PaymentWebhook(wh, testLogger)(rr, httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPaymentWebhookRedeliveryOnFailure(t *testing.T) {
	wh := &mockWebhook{err: errors.New("db unavailable")}
	rr := httptest.NewRecorder()

	PaymentWebhook(wh, testLogger)(rr, httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	wh := &mockWebhook{}
	body := strings.Repeat("x", maxWebhookBody+1)
	rr := httptest.NewRecorder()

	PaymentWebhook(wh, testLogger)(rr, httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Nil(t, wh.payload)
}

func TestPaymentWebhookAcceptsLargeEvent(t *testing.T) {
	wh := &mockWebhook{}
	body := `{"id":"evt_big","pad":"` + strings.Repeat("x", 200<<10) + `"}`
	rr := httptest.NewRecorder()

	PaymentWebhook(wh, testLogger)(rr, httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, wh.payload, len(body))
}

type mockAdmin struct {
	filter models.MembershipFilter
	status models.ApprovalStatus
	err    error
}

func (m *mockAdmin) ListMemberships(ctx context.Context, filter models.MembershipFilter) ([]models.UserMembership, error) {
	m.filter = filter
	return []models.UserMembership{{ID: 1}}, m.err
}

func (m *mockAdmin) UpdateApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) (*models.UserMembership, error) {
	m.status = status
	if m.err != nil {
		return nil, m.err
	}
	return &models.UserMembership{ID: id, ApprovalStatus: status}, nil
}

func TestListUserMembershipsFilters(t *testing.T) {
	admin := &mockAdmin{}
	rr := httptest.NewRecorder()

	ListUserMemberships(admin, testLogger)(rr, httptest.NewRequest(http.MethodGet, "/admin/user-memberships?status=past_due&approval_status=PENDING&limit=10&offset=20", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.MembershipStatusPastDue, admin.filter.Status)
	assert.Equal(t, models.ApprovalStatusPending, admin.filter.ApprovalStatus)
	assert.Equal(t, 10, admin.filter.Limit)
	assert.Equal(t, 20, admin.filter.Offset)
}

func TestListUserMembershipsRejectsUnknownStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	ListUserMemberships(&mockAdmin{}, testLogger)(rr, httptest.NewRequest(http.MethodGet, "/admin/user-memberships?status=paused", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateUserMembership(t *testing.T) {
	admin := &mockAdmin{}
	h := withRoute(http.MethodPatch, "/admin/user-memberships/{id}", UpdateUserMembership(admin, testLogger))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/admin/user-memberships/9", strings.NewReader(`{"approval_status":"APPROVED"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.ApprovalStatusApproved, admin.status)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/admin/user-memberships/9", strings.NewReader(`{"approval_status":"MAYBE"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	admin.err = store.ErrMembershipNotFound
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/admin/user-memberships/9", strings.NewReader(`{"approval_status":"REJECTED"}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type stubStats struct{}

func (stubStats) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 2, Failed: 1}, nil
}

func TestJobStats(t *testing.T) {
	rr := httptest.NewRecorder()
	JobStats(stubStats{}, testLogger)(rr, httptest.NewRequest(http.MethodGet, "/admin/jobs/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var stats models.JobStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pending)
}
