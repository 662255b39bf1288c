package server

import (
	"context"
	"fmt"
	"time"
)

// SweepResult reports how many rows one sweep removed.
type SweepResult struct {
	Sessions int64
	Tokens   int64
}

// Sweep deletes expired authorization sessions and tokens whose refresh
// lifetime (or revocation) ended more than RevokedTokenRetention ago.
func (s *Server) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	n, err := s.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	res.Sessions = n
	s.metrics.RecordSweep(ctx, "sessions", n)

	n, err = s.store.DeleteExpiredTokens(ctx, now.Add(-seconds(s.Config.RevokedTokenRetention)))
	if err != nil {
		return res, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	res.Tokens = n
	s.metrics.RecordSweep(ctx, "tokens", n)

	if res.Sessions > 0 || res.Tokens > 0 {
		s.Logger.Info("Swept expired records", "sessions", res.Sessions, "tokens", res.Tokens)
	}
	return res, nil
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled. The
// returned channel is closed once the loop has exited.
func (s *Server) StartSweeper(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := seconds(s.Config.SweepInterval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.Logger.Debug("Expiry sweeper started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				s.Logger.Debug("Expiry sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.Logger.Warn("Expiry sweep failed", "error", err)
				}
			}
		}
	}()
	return done
}
