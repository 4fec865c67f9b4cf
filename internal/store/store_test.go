package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/membership-backend/internal/models"
)

var membershipCols = []string{
	"id", "user_id", "membership_type_id", "status", "approval_status",
	"stripe_subscription_id", "stripe_customer_id", "latest_invoice_id", "current_period_end",
	"has_access", "cancel_at_period_end", "checkout_url", "checkout_session_expires_at",
	"created_at", "updated_at",
}

var planCols = []string{
	"id", "name", "type", "price_cents", "currency", "duration_days", "description",
	"is_purchasable", "stripe_price_id", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestEnsureMembershipInsertsThenLocks(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users_memberships \(user_id, membership_type_id\)\s+VALUES \(\$1, \$2\)\s+ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs(int64(7), int64(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT .+ FROM users_memberships WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(membershipCols).AddRow(
			11, 7, 2, "incomplete", "PENDING",
			nil, nil, nil, nil,
			false, false, nil, nil,
			now, now,
		))
	mock.ExpectCommit()

	var got *models.UserMembership
	err := s.InTx(context.Background(), func(ctx context.Context, tx MembershipTx) error {
		var err error
		got, err = tx.EnsureMembership(ctx, 7, 2)
		return err
	})
	if err != nil {
		t.Fatalf("InTx returned error: %v", err)
	}
	if got.ID != 11 || got.Status != models.MembershipStatusIncomplete || got.CheckoutURL != nil {
		t.Fatalf("unexpected membership: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx MembershipTx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockMembershipBySubscriptionIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE stripe_subscription_id = \$1 FOR UPDATE`).
		WithArgs("sub_missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx MembershipTx) error {
		_, err := tx.LockMembershipBySubscriptionID(ctx, "sub_missing")
		return err
	})
	if !errors.Is(err, ErrMembershipNotFound) {
		t.Fatalf("expected ErrMembershipNotFound, got %v", err)
	}
}

func TestUpdateMembershipDuplicateSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	sub := "sub_taken"

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE users_memberships`).
		WillReturnError(&pq.Error{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx MembershipTx) error {
		return tx.UpdateMembership(ctx, &models.UserMembership{ID: 1, StripeSubscriptionID: &sub})
	})
	if !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
}

func TestRecordPaymentInsertsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO payments .+ ON CONFLICT \(invoice_id\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectQuery(`INSERT INTO payments .+ ON CONFLICT \(invoice_id\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectCommit()

	var first, second bool
	err := s.InTx(context.Background(), func(ctx context.Context, tx MembershipTx) error {
		var err error
		if first, err = tx.RecordPayment(ctx, &models.Payment{UserID: 1, InvoiceID: "in_1", Type: models.PaymentTypeSubscriptionInitial}); err != nil {
			return err
		}
		second, err = tx.RecordPayment(ctx, &models.Payment{UserID: 1, InvoiceID: "in_1", Type: models.PaymentTypeSubscriptionInitial})
		return err
	})
	if err != nil {
		t.Fatalf("InTx returned error: %v", err)
	}
	if !first || second {
		t.Fatalf("expected first insert only, got first=%v second=%v", first, second)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordPaymentRequiresInvoiceID(t *testing.T) {
	tx := &txStore{}
	if _, err := tx.RecordPayment(context.Background(), &models.Payment{}); err == nil {
		t.Fatal("expected error without invoice id")
	}
}

func TestGetPlanNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM membership_types WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPlan(context.Background(), 99); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestListPlansEmptyIsNotNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM membership_types ORDER BY id ASC`).
		WillReturnRows(sqlmock.NewRows(planCols))

	plans, err := s.ListPlans(context.Background())
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if plans == nil || len(plans) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", plans)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdatePlanAppliesPatch(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM membership_types WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(planCols).AddRow(
			1, "Active Member", "ACTIVE", 2000, "usd", 365, nil, true, "price_a", now, now,
		))
	mock.ExpectQuery(`UPDATE membership_types`).
		WithArgs(int64(1), "Active Member", models.PlanCategoryActive, int64(2500), 365, nil, false, "price_a").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectCommit()

	price := int64(2500)
	purchasable := false
	plan, err := s.UpdatePlan(context.Background(), 1, models.PlanPatch{PriceCents: &price, IsPurchasable: &purchasable})
	if err != nil {
		t.Fatalf("UpdatePlan returned error: %v", err)
	}
	if plan.PriceCents != 2500 || plan.IsPurchasable {
		t.Fatalf("patch not applied: %+v", plan)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListMembershipsFilters(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM users_memberships WHERE status = \$1 AND approval_status = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(models.MembershipStatusActive, models.ApprovalStatusPending, 10, 20).
		WillReturnRows(sqlmock.NewRows(membershipCols))

	got, err := s.ListMemberships(context.Background(), models.MembershipFilter{
		Status:         models.MembershipStatusActive,
		ApprovalStatus: models.ApprovalStatusPending,
		Limit:          10,
		Offset:         20,
	})
	if err != nil {
		t.Fatalf("ListMemberships returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateApprovalStatus(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE users_memberships\s+SET approval_status = \$2`).
		WithArgs(int64(9), models.ApprovalStatusApproved).
		WillReturnRows(sqlmock.NewRows(membershipCols).AddRow(
			9, 3, 1, "active", "APPROVED", nil, nil, nil, nil, true, false, nil, nil, now, now,
		))

	m, err := s.UpdateApprovalStatus(context.Background(), 9, models.ApprovalStatusApproved)
	if err != nil {
		t.Fatalf("UpdateApprovalStatus returned error: %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusApproved || m.UserID != 3 {
		t.Fatalf("unexpected membership: %+v", m)
	}

	mock.ExpectQuery(`UPDATE users_memberships`).
		WithArgs(int64(10), models.ApprovalStatusRejected).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.UpdateApprovalStatus(context.Background(), 10, models.ApprovalStatusRejected); !errors.Is(err, ErrMembershipNotFound) {
		t.Fatalf("expected ErrMembershipNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: pgUniqueViolation})

	u := &models.User{Email: "a@example.org", PasswordHash: "hash"}
	if err := s.CreateUser(context.Background(), u); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	js := &JobStore{db: db}

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1").
		WillReturnError(sql.ErrNoRows)

	job, err := js.ClaimNextJob(context.Background(), "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected nil job and nil error, got %v %v", job, err)
	}
}

func TestScheduleRetryMissingJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	js := &JobStore{db: db}

	mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := js.ScheduleRetry(context.Background(), 5, "boom", time.Now()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestEnqueueDuplicateJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	js := &JobStore{db: db}

	mock.ExpectQuery(`INSERT INTO jobs .* ON CONFLICT \(job_type, dedupe_key\)`).
		WillReturnError(sql.ErrNoRows)

	key := "evt_1"
	job := &models.Job{JobType: "reconcile_webhook_event", MaxAttempts: 3, DedupeKey: &key}
	if err := js.Enqueue(context.Background(), job); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
