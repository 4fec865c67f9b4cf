package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
)

// JobTypeReconcileEvent re-applies a webhook event that referenced local
// state which did not exist yet.
const JobTypeReconcileEvent = "reconcile_webhook_event"

// EventApplier applies an already-verified provider event.
type EventApplier interface {
	Apply(ctx context.Context, ev *stripe.Event) error
}

// ExhaustedReporter is told about jobs that ran out of attempts.
type ExhaustedReporter interface {
	ReportExhaustedJob(ctx context.Context, job *models.Job, err error)
}

// ReconcileQueue stores anomalous events as jobs. It implements
// membership.RetryQueue.
type ReconcileQueue struct {
	worker      *Worker
	maxAttempts int
	delay       time.Duration
}

var _ membership.RetryQueue = (*ReconcileQueue)(nil)

// NewReconcileQueue enqueues through w. Jobs first become due after delay.
func NewReconcileQueue(w *Worker, maxAttempts int, delay time.Duration) *ReconcileQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ReconcileQueue{worker: w, maxAttempts: maxAttempts, delay: delay}
}

func (q *ReconcileQueue) EnqueueEvent(ctx context.Context, ev *stripe.Event, reason string) error {
	payload, err := eventPayload(ev, reason)
	if err != nil {
		return err
	}

	due := time.Now().Add(q.delay)
	eventID := ev.ID
	job := &models.Job{
		JobType:      JobTypeReconcileEvent,
		Payload:      payload,
		Priority:     models.JobPriorityNormal,
		MaxAttempts:  q.maxAttempts,
		ScheduledFor: &due,
		DedupeKey:    &eventID,
	}
	err = q.worker.Enqueue(ctx, job)
	if errors.Is(err, store.ErrDuplicateJob) {
		// A redelivery of an event that is already waiting for a retry.
		q.worker.logger.Debug().Str("event_id", ev.ID).Msg("reconcile job already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
	return nil
}

func eventPayload(ev *stripe.Event, reason string) (models.JSONB, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return models.JSONB{
		"event":      event,
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"reason":     reason,
	}, nil
}

func eventFromPayload(payload models.JSONB) (*stripe.Event, error) {
	event, ok := payload["event"]
	if !ok {
		return nil, fmt.Errorf("missing event in payload")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return stripe.ParseEvent(raw)
}

// RegisterReconcileJobs registers the webhook retry handler.
func RegisterReconcileJobs(w *Worker, applier EventApplier) {
	w.RegisterHandler(JobTypeReconcileEvent, reconcileEventHandler(applier, w.logger))
}

func reconcileEventHandler(applier EventApplier, logger zerolog.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		ev, err := eventFromPayload(job.Payload)
		if err != nil {
			return err
		}
		if err := applier.Apply(ctx, ev); err != nil {
			return err
		}
		logger.Info().
			Int64("job_id", job.ID).
			Str("event_id", ev.ID).
			Int("attempt", job.Attempts).
			Msg("deferred webhook event reconciled")
		return nil
	}
}

// NewInstrumentation feeds job lifecycle events into Prometheus and hands
// exhausted jobs to reporter, which may be nil.
func NewInstrumentation(reporter ExhaustedReporter) *Instrumentation {
	return &Instrumentation{
		OnEnqueue: func(job *models.Job) {
			metrics.IncJob(job.JobType, "enqueued")
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			metrics.IncJob(job.JobType, "succeeded")
			metrics.ObserveJobDuration(job.JobType, d)
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			metrics.ObserveJobDuration(job.JobType, d)
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			metrics.IncJob(job.JobType, "retried")
		},
		OnExhausted: func(job *models.Job, err error) {
			metrics.IncJob(job.JobType, "failed")
			if reporter != nil {
				reporter.ReportExhaustedJob(context.Background(), job, err)
			}
		},
	}
}
