// Package alerting surfaces reconciliation problems to operators through the
// log, Prometheus counters and, when configured, Sentry.
package alerting

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/models"
)

// Reporter implements membership.AnomalyReporter.
type Reporter struct {
	logger zerolog.Logger
	hub    *sentry.Hub
}

var _ membership.AnomalyReporter = (*Reporter)(nil)

// NewReporter builds a Reporter. A nil hub, or one without a client, skips Sentry.
func NewReporter(logger zerolog.Logger, hub *sentry.Hub) *Reporter {
	if hub != nil && hub.Client() == nil {
		hub = nil
	}
	return &Reporter{logger: logger.With().Str("component", "alerting").Logger(), hub: hub}
}

// Report records a webhook event that could not be reconciled.
func (r *Reporter) Report(ctx context.Context, a *membership.Anomaly) {
	if a == nil {
		return
	}
	metrics.IncReconciliationAnomaly(a.Reason)

	r.logger.Warn().
		Err(a.Err).
		Str("reason", a.Reason).
		Str("event_id", a.EventID).
		Str("event_type", a.EventType).
		Str("subscription_id", a.SubscriptionID).
		Msg("reconciliation anomaly")

	r.capture(a, map[string]string{
		"reason":     a.Reason,
		"event_type": a.EventType,
	}, sentry.Context{
		"event_id":        a.EventID,
		"subscription_id": a.SubscriptionID,
	})
}

// ReportExhaustedJob records a retried event that never reconciled.
func (r *Reporter) ReportExhaustedJob(ctx context.Context, job *models.Job, err error) {
	if job == nil {
		return
	}
	metrics.IncReconciliationAnomaly("retries_exhausted")

	r.logger.Error().
		Err(err).
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempts", job.Attempts).
		Msg("job exhausted retries")

	r.capture(fmt.Errorf("job %d (%s) exhausted %d attempts: %w", job.ID, job.JobType, job.Attempts, err),
		map[string]string{"reason": "retries_exhausted", "job_type": job.JobType},
		sentry.Context{"job_id": job.ID, "payload": map[string]any(job.Payload)},
	)
}

func (r *Reporter) capture(err error, tags map[string]string, details sentry.Context) {
	if r.hub == nil {
		return
	}
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTags(tags)
		scope.SetContext("reconciliation", details)
		hub.CaptureException(err)
	})
}
