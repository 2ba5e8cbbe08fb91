package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	deleted  int64
	err      error
	gotAge   time.Duration
	gotCalls int
}

func (f *fakeSweepStore) DeleteStale(_ context.Context, _ time.Time, usedAge time.Duration) (int64, error) {
	f.gotCalls++
	f.gotAge = usedAge
	return f.deleted, f.err
}

func sweepTask(t *testing.T, payload SessionSweepPayload) *asynq.Task {
	t.Helper()
	task, err := NewSessionSweepTask(payload)
	require.NoError(t, err)
	return task
}

func TestSessionSweepUsesDefaultAge(t *testing.T) {
	store := &fakeSweepStore{deleted: 3}
	job := NewSessionSweepJob(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 24*time.Hour)

	err := job.Handle(context.Background(), sweepTask(t, SessionSweepPayload{}))
	require.NoError(t, err)
	require.Equal(t, 1, store.gotCalls)
	require.Equal(t, 24*time.Hour, store.gotAge)
}

func TestSessionSweepHonoursPayloadAge(t *testing.T) {
	store := &fakeSweepStore{}
	job := NewSessionSweepJob(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 24*time.Hour)

	err := job.Handle(context.Background(), sweepTask(t, SessionSweepPayload{UsedAgeHours: 48}))
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, store.gotAge)
}

func TestSessionSweepSkipsRetryOnBadPayload(t *testing.T) {
	store := &fakeSweepStore{}
	job := NewSessionSweepJob(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 24*time.Hour)

	task := asynq.NewTask(TaskSessionSweep, []byte("not-json"))
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, store.gotCalls)
}

func TestUserEventsHandlerDecodesPayload(t *testing.T) {
	job := NewUserEventsJob(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	payload, err := json.Marshal(map[string]any{
		"id": 7, "email": "evt@test.local", "first_name": "Evt", "occurred_at": time.Now().UTC(),
	})
	require.NoError(t, err)

	err = job.HandleRegistered(context.Background(), asynq.NewTask("user:registered", payload))
	require.NoError(t, err)

	err = job.HandleProfileUpdated(context.Background(), asynq.NewTask("user:profile_updated", []byte("garbage")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
