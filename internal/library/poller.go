package library

import (
	"context"
	"time"
)

// Start refreshes the snapshot now and then every PollInterval until ctx is
// done or Close is called. A second Start while polling is a no-op.
func (s *Store) Start(ctx context.Context) {
	interval := s.opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, interval)
}

func (s *Store) run(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Debug().Err(err).Msg("poll")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops polling and waits for an in-flight refresh to finish.
func (s *Store) Close() {
	s.pollMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.pollMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
