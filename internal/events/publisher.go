package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskUserRegistered is enqueued after a successful registration commit.
	TaskUserRegistered = "user:registered"
	// TaskProfileUpdated is enqueued after a successful profile update commit.
	TaskProfileUpdated = "user:profile_updated"
)

// UserEvent is the payload delivered to downstream consumers. Delivery is
// at-least-once and best-effort: a publish failure never rolls back the
// already-committed user state.
type UserEvent struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	FirstName  string    `json:"first_name"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher enqueues domain events on the task queue.
type Publisher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *asynq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// PublishUserRegistered fires the user_registered event.
func (p *Publisher) PublishUserRegistered(ctx context.Context, event UserEvent) {
	p.enqueue(ctx, TaskUserRegistered, event)
}

// PublishProfileUpdated fires the profile_updated event.
func (p *Publisher) PublishProfileUpdated(ctx context.Context, event UserEvent) {
	p.enqueue(ctx, TaskProfileUpdated, event)
}

func (p *Publisher) enqueue(ctx context.Context, taskType string, event UserEvent) {
	if p == nil || p.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.warn("marshal event", taskType, err)
		return
	}
	if _, err := p.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload)); err != nil {
		p.warn("enqueue event", taskType, err)
	}
}

func (p *Publisher) warn(msg, taskType string, err error) {
	if p.logger != nil {
		p.logger.Warn(msg, slog.String("task", taskType), slog.Any("error", err))
	}
}
