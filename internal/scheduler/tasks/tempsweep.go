package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/scheduler"
)

const TempSweepTaskID = "temp-sweep"

// LiveState reports which chunk files the downloader still owns.
type LiveState interface {
	LivePaths(ctx context.Context) (map[string]bool, error)
	TempRoots() []string
}

// TempSweepTask deletes chunk temp files that no live download references.
type TempSweepTask struct {
	state  LiveState
	grace  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewTempSweepTask creates the sweep. Files modified within grace are kept
// so a chunk that is being created is never raced.
func NewTempSweepTask(state LiveState, grace time.Duration, logger zerolog.Logger) *TempSweepTask {
	return &TempSweepTask{
		state:  state,
		grace:  grace,
		now:    time.Now,
		logger: logger.With().Str("task", TempSweepTaskID).Logger(),
	}
}

// Run sweeps every temp root.
func (t *TempSweepTask) Run(ctx context.Context) error {
	live, err := t.state.LivePaths(ctx)
	if err != nil {
		return fmt.Errorf("query live chunks: %w", err)
	}

	cutoff := t.now().Add(-t.grace)
	var removed int
	var freed uint64
	for _, root := range t.state.TempRoots() {
		matches, err := filepath.Glob(filepath.Join(root, "*", "temp", "*.chunk"))
		if err != nil {
			return err
		}
		for _, path := range matches {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if live[path] {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				t.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove orphan chunk")
				continue
			}
			removed++
			freed += uint64(info.Size())

			// Non-empty directories stay.
			dir := filepath.Dir(path)
			if os.Remove(dir) == nil {
				os.Remove(filepath.Dir(dir))
			}
		}
	}

	if removed > 0 {
		t.logger.Info().
			Int("files", removed).
			Str("freed", humanize.Bytes(freed)).
			Msg("Removed orphan chunk files")
	}
	return nil
}

// RegisterTempSweepTask registers the orphan chunk sweep with the scheduler.
func RegisterTempSweepTask(
	sched *scheduler.Scheduler,
	state LiveState,
	cfg *config.SchedulerConfig,
	logger zerolog.Logger,
) error {
	task := NewTempSweepTask(state, cfg.TempSweepGrace, logger)

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          TempSweepTaskID,
		Name:        "Temp Sweep",
		Description: "Deletes chunk temp files no download references",
		Cron:        cfg.TempSweepCron,
		RunOnStart:  false,
		Func:        task.Run,
	})
}
