package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CarryoverScheduler runs RunScheduledCarryover on a cron schedule.
type CarryoverScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewCarryoverScheduler validates schedule (standard five-field cron syntax
// or a descriptor such as @monthly) and registers the job.
func NewCarryoverScheduler(svc ApplicationService, schedule string, reportCodes []string, dateFilter string, log zerolog.Logger) (*CarryoverScheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid carryover schedule: %w", err)
	}
	if len(reportCodes) == 0 {
		return nil, fmt.Errorf("carryover schedule set without reports")
	}
	log = log.With().Str("component", "carryover_scheduler").Logger()
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := log.WithContext(context.Background())
		if _, err := svc.RunScheduledCarryover(ctx, reportCodes, dateFilter); err != nil {
			log.Error().Err(err).Msg("scheduled carryover failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register carryover job: %w", err)
	}
	return &CarryoverScheduler{cron: c, log: log}, nil
}

// Start runs the scheduler until ctx is canceled, then waits for a running
// job to finish.
func (s *CarryoverScheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info().Msg("carryover scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("carryover scheduler stopped")
}

