package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/helios-id/helios-id/internal/events"
	jobmetrics "github.com/helios-id/helios-id/internal/jobs"
)

// UserEventsJob consumes the user lifecycle events published by the API
// process. Delivery is at-least-once, so handlers must stay idempotent.
type UserEventsJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewUserEventsJob initialises the lifecycle event handlers.
func NewUserEventsJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *UserEventsJob {
	return &UserEventsJob{Logger: logger, Metrics: metrics}
}

// HandleRegistered processes user:registered events.
func (j *UserEventsJob) HandleRegistered(ctx context.Context, t *asynq.Task) error {
	event, err := decodeUserEvent(t)
	if err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(events.TaskUserRegistered)
	// Placeholder: hand off to the mail pipeline for the welcome message.
	j.Logger.Info("user registered",
		slog.Int64("user_id", event.ID),
		slog.String("email", event.Email),
		slog.Time("occurred_at", event.OccurredAt))
	return tracker.End(nil)
}

// HandleProfileUpdated processes user:profile_updated events.
func (j *UserEventsJob) HandleProfileUpdated(ctx context.Context, t *asynq.Task) error {
	event, err := decodeUserEvent(t)
	if err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(events.TaskProfileUpdated)
	j.Logger.Info("profile updated",
		slog.Int64("user_id", event.ID),
		slog.String("email", event.Email),
		slog.Time("occurred_at", event.OccurredAt))
	return tracker.End(nil)
}

func decodeUserEvent(t *asynq.Task) (*events.UserEvent, error) {
	var event events.UserEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
