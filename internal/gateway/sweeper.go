package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/pkg/log"
)

const defaultSweepInterval = 10 * time.Minute

// Sweeper runs SweepExpired periodically until stopped.
type Sweeper struct {
	gateway  *Gateway
	interval time.Duration

	started atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

func NewSweeper(g *Gateway, interval time.Duration) *Sweeper {
	return &Sweeper{
		gateway:  g,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Apply 从配置读取清理间隔
func (s *Sweeper) Apply(c *config.Configuration) {
	if c != nil && c.Session.SweepInterval > 0 {
		s.interval = c.Session.SweepInterval
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CAS(false, true) {
		return
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	go s.run(ctx)
	log.Infof("Session sweeper started, interval %v", s.interval)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.gateway.SweepExpired(ctx); err != nil {
				log.Errorf("session sweeper - %v", err)
			}
		}
	}
}

// Stop waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}
