package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/scheduler"
)

const JournalCleanupTaskID = "journal-cleanup"

// Purger deletes finished journal entries older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// JournalCleanupTask drops finished journal rows past the retention period.
type JournalCleanupTask struct {
	store     Purger
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewJournalCleanupTask(store Purger, retentionDays int, logger zerolog.Logger) *JournalCleanupTask {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &JournalCleanupTask{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger.With().Str("task", JournalCleanupTaskID).Logger(),
	}
}

func (t *JournalCleanupTask) Run(ctx context.Context) error {
	cutoff := t.now().Add(-t.retention)
	n, err := t.store.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	t.logger.Debug().Time("cutoff", cutoff).Int64("deleted", n).Msg("Journal cleanup finished")
	return nil
}

// RegisterJournalCleanupTask registers the journal cleanup task.
// The default schedule runs daily at 3 AM.
func RegisterJournalCleanupTask(
	sched *scheduler.Scheduler,
	store Purger,
	cfg *config.SchedulerConfig,
	logger zerolog.Logger,
) error {
	task := NewJournalCleanupTask(store, cfg.JournalRetention, logger)

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          JournalCleanupTaskID,
		Name:        "Journal Cleanup",
		Description: "Deletes finished download journal entries older than the retention period",
		Cron:        cfg.JournalCleanupCron,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
