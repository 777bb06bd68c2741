// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// MappingPruner deletes event mappings older than a cutoff.
type MappingPruner interface {
	PruneMappings(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Maintenance runs the periodic housekeeping jobs of the bridge.
type Maintenance struct {
	scheduler gocron.Scheduler
	log       zerolog.Logger
}

// NewMaintenance schedules cache purging every purgeInterval and, when
// retention is positive, hourly pruning of mappings older than retention.
func NewMaintenance(ctx context.Context, r *Router, pruner MappingPruner, purgeInterval, retention time.Duration, log zerolog.Logger) (*Maintenance, error) {
	log = log.With().Str("component", "maintenance").Logger()
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(schedulerLogger{log}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	m := &Maintenance{scheduler: s, log: log}

	_, err = s.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(func() {
			if n := r.PurgeCaches(); n > 0 {
				log.Debug().Int("entries", n).Msg("Purged expired cache entries")
			}
		}),
		gocron.WithName("purge_caches"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule cache purge: %w", err)
	}

	if retention > 0 && pruner != nil {
		_, err = s.NewJob(
			gocron.DurationJob(pruneInterval(retention)),
			gocron.NewTask(func() {
				n, err := pruner.PruneMappings(ctx, retention)
				if err != nil {
					log.Err(err).Msg("Failed to prune event mappings")
				} else if n > 0 {
					log.Info().Int64("rows", n).Msg("Pruned old event mappings")
				}
			}),
			gocron.WithName("prune_mappings"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule mapping pruning: %w", err)
		}
	}
	return m, nil
}

// pruneInterval runs pruning hourly, or more often for short retentions.
func pruneInterval(retention time.Duration) time.Duration {
	return min(time.Hour, retention)
}

// Start begins running the scheduled jobs.
func (m *Maintenance) Start() {
	m.scheduler.Start()
}

// Stop waits for running jobs and stops the scheduler.
func (m *Maintenance) Stop() error {
	return m.scheduler.Shutdown()
}

// schedulerLogger writes gocron's key/value logs to zerolog.
type schedulerLogger struct {
	log zerolog.Logger
}

var _ gocron.Logger = schedulerLogger{}

func (l schedulerLogger) Debug(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }

func (l schedulerLogger) Info(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }

func (l schedulerLogger) Warn(msg string, args ...any) { l.log.Warn().Fields(args).Msg(msg) }

func (l schedulerLogger) Error(msg string, args ...any) { l.log.Error().Fields(args).Msg(msg) }
