package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const pruneSchedule = "@daily"

// commandPruner deletes logged commands older than a cutoff.
type commandPruner interface {
	PruneCommands(ctx context.Context, before time.Time) (int64, error)
}

// startPruner schedules daily pruning of the command log. A zero retention
// keeps commands forever; the returned scheduler then has no jobs.
func startPruner(db commandPruner, retention time.Duration, logger zerolog.Logger) (*cron.Cron, error) {
	c := cron.New()
	if retention > 0 {
		_, err := c.AddFunc(pruneSchedule, func() {
			pruneOnce(db, retention, time.Now(), logger)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule command pruning: %w", err)
		}
	}
	c.Start()
	return c, nil
}

func pruneOnce(db commandPruner, retention time.Duration, now time.Time, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := db.PruneCommands(ctx, now.Add(-retention))
	if err != nil {
		logger.Error().Err(err).Msg("failed to prune command log")
		return
	}
	if n > 0 {
		logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("Pruned command log")
	}
}
