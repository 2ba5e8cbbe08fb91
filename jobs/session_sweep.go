package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/helios-id/helios-id/internal/jobs"
)

// SweepStore is the slice of the session store the sweep needs.
type SweepStore interface {
	DeleteStale(ctx context.Context, now time.Time, usedAge time.Duration) (int64, error)
}

// SessionSweepJob reaps refresh token records that are expired or were
// consumed long enough ago that no grace-window race can still involve them.
// The sweep is housekeeping only; rotation correctness never depends on it.
type SessionSweepJob struct {
	Store   SweepStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	DefaultUsedAge time.Duration
	clock          func() time.Time
}

// NewSessionSweepJob initialises the sweep handler.
func NewSessionSweepJob(store SweepStore, logger *slog.Logger, metrics *jobmetrics.Metrics, defaultUsedAge time.Duration) *SessionSweepJob {
	return &SessionSweepJob{
		Store:          store,
		Logger:         logger,
		Metrics:        metrics,
		DefaultUsedAge: defaultUsedAge,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep run.
func (j *SessionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("session sweep: handler not configured")
	}
	var payload SessionSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	usedAge := j.DefaultUsedAge
	if payload.UsedAgeHours > 0 {
		usedAge = time.Duration(payload.UsedAgeHours) * time.Hour
	}

	tracker := j.metrics().Track(TaskSessionSweep)
	deleted, err := j.Store.DeleteStale(ctx, j.now(), usedAge)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics().AddSweptSessions("stale", deleted)
	if j.Logger != nil {
		j.Logger.Info("session sweep completed",
			slog.Int64("deleted", deleted),
			slog.Duration("used_age", usedAge))
	}
	return tracker.End(nil)
}

func (j *SessionSweepJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}

func (j *SessionSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
