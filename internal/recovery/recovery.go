// Package recovery periodically returns timed-out claims to the queue.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/store"
)

// Sweeper reclaims stale claims across all partitions.
type Sweeper interface {
	SweepAll(ctx context.Context) (map[model.Partition]store.ReclaimResult, error)
}

// Service runs the background sweep loop.
type Service struct {
	sweeper Sweeper
	cfg     config.RecoveryConfig
	log     *zap.Logger
}

// NewService creates a recovery service.
func NewService(sweeper Sweeper, cfg config.RecoveryConfig, log *zap.Logger) *Service {
	return &Service{sweeper: sweeper, cfg: cfg, log: log}
}

// Run sweeps once immediately and then every configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("recovery sweep is disabled")
		return
	}
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Duration(s.cfg.IntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.log.Info("starting recovery sweep", zap.Duration("interval", interval))

	s.SweepOnce(ctx)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("recovery sweep shutting down")
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(interval)
		}
	}
}

// SweepOnce runs a single pass and returns how many commands were requeued and how
// many were failed for exhausting their attempts.
func (s *Service) SweepOnce(ctx context.Context) (requeued, exhausted int) {
	results, err := s.sweeper.SweepAll(ctx)
	for _, res := range results {
		requeued += len(res.Requeued)
		exhausted += len(res.Exhausted)
	}
	if err != nil {
		// partial results are still counted
		s.log.Error("recovery sweep failed", zap.Error(err))
	}
	if requeued > 0 || exhausted > 0 {
		s.log.Info("recovery sweep finished",
			zap.Int("requeued", requeued),
			zap.Int("exhausted", exhausted))
	} else {
		s.log.Debug("recovery sweep finished, nothing stale")
	}
	return requeued, exhausted
}
