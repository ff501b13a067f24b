package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
)

// TaskRefreshPurge deletes expired refresh tokens.
const TaskRefreshPurge = "refresh:purge"

// Purger removes expired refresh tokens and reports how many were dropped.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RefreshPurgeJob sweeps the refresh token table.
type RefreshPurgeJob struct {
	Store   Purger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRefreshPurgeTask creates the periodic purge task.
func NewRefreshPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskRefreshPurge, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// Handle executes the purge.
func (j *RefreshPurgeJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("refresh purge: store not configured")
	}
	tracker := j.Metrics.Track(TaskRefreshPurge)
	n, err := j.Store.Purge(ctx)
	if err != nil {
		logger(j.Logger).Error("purge refresh tokens", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddPurged(n)
	if n > 0 {
		logger(j.Logger).Info("purged expired refresh tokens", slog.Int64("count", n))
	}
	return tracker.End(nil)
}
