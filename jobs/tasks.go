package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionSweep removes expired and long-used refresh token records.
	TaskSessionSweep = "session:sweep"
)

// SessionSweepPayload tunes a sweep run. A zero UsedAgeHours falls back to
// the configured default.
type SessionSweepPayload struct {
	UsedAgeHours int `json:"used_age_hours"`
}

// NewSessionSweepTask constructs an Asynq task for the periodic sweep.
func NewSessionSweepTask(payload SessionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionSweep, data), nil
}
