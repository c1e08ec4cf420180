package acp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

// Sweeper periodically evicts idle runtime handles. The cache itself never
// runs timers; this is the one place the clock drives eviction.
type Sweeper struct {
	manager  *Manager
	cfg      *config.Config
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	log      *zap.Logger
}

// NewSweeper creates a sweeper using the configured sweep interval.
func NewSweeper(manager *Manager, cfg *config.Config) *Sweeper {
	interval := time.Minute
	if cfg != nil && cfg.ACP.SweepIntervalMs > 0 {
		interval = time.Duration(cfg.ACP.SweepIntervalMs) * time.Millisecond
	}
	return &Sweeper{
		manager:  manager,
		cfg:      cfg,
		interval: interval,
		stopCh:   make(chan struct{}),
		log:      logger.Component("acp.sweeper"),
	}
}

// Start runs the sweep loop until Stop is called or ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("idle sweeper started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				if evicted := s.manager.EvictIdleRuntimeHandles(s.cfg); evicted > 0 {
					s.log.Info("idle sweep evicted sessions", zap.Int("evicted", evicted))
				}
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit. Idempotent.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
