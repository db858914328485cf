// Package scheduler triggers the registry's idle maintenance on a recurring
// cadence.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// MaintenanceRunner is the slice of the registry the scheduler needs.
type MaintenanceRunner interface {
	RunIdleMaintenance()
}

// IdleMaintenance invokes a MaintenanceRunner at a fixed interval until its
// context is cancelled.
type IdleMaintenance struct {
	interval time.Duration
	runner   MaintenanceRunner
}

// New returns a scheduler over the runner.
func New(interval time.Duration, runner MaintenanceRunner) *IdleMaintenance {
	return &IdleMaintenance{interval: interval, runner: runner}
}

// Start runs the maintenance loop on its own goroutine and returns
// immediately. The loop stops when ctx is cancelled.
func (s *IdleMaintenance) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.interval).Msg("idle maintenance scheduler started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("idle maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.runner.RunIdleMaintenance()
			}
		}
	}()
}
