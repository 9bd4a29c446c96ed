package service

import (
	"context"
	"sync"
	"time"

	"github.com/mineclover/autobe/internal/observability"
)

// RunConnectionSweeper removes connections whose heartbeat went silent, such
// as those left behind by a crashed process.
func (s *Service) RunConnectionSweeper(ctx context.Context) {
	if s.config.SweepInterval <= 0 || s.config.ConnectionStaleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepConnections(ctx)
		}
	}
}

func (s *Service) sweepConnections(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cutoff := s.now().Add(-s.config.ConnectionStaleAfter)
	n, err := s.registry.SweepConnections(sweepCtx, cutoff)
	if err != nil {
		s.logger.Warn("connection sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.metrics.SweptConnections.Add(float64(n))
		s.logger.Info("swept stale connections", "count", n)
	}
}

// Heartbeat returns a pong callback that refreshes the connection's last
// seen time, at most a few times per staleness window.
func (s *Service) Heartbeat(ctx context.Context, connectionID string) func() {
	bg := context.WithoutCancel(ctx)
	every := s.config.ConnectionStaleAfter / 4

	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() {
		now := s.now()
		mu.Lock()
		if !last.IsZero() && now.Sub(last) < every {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		if err := s.registry.TouchConnection(bg, connectionID, now.UTC()); err != nil {
			s.drop(bg, observability.StageTouch, err)
		}
	}
}
