package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/agentdeck/internal/session"
)

// DefaultSweepInterval is the default interval between idle session sweeps.
const DefaultSweepInterval = time.Minute

// sweeper periodically evicts sessions nobody has used for a while.
type sweeper struct {
	manager  *session.Manager
	idleTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSweeper(m *session.Manager, idleTTL, interval time.Duration, logger *slog.Logger) *sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &sweeper{manager: m, idleTTL: idleTTL, interval: interval, logger: logger}
}

// Start begins the sweep loop in a background goroutine.
func (sw *sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}
	sw.running = true
	sw.stopCh = make(chan struct{})
	sw.doneCh = make(chan struct{})
	go sw.loop()
	sw.logger.Debug("session sweeper started", "interval", sw.interval, "idle_ttl", sw.idleTTL)
}

// Stop stops the loop and waits for it to exit.
func (sw *sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	close(sw.stopCh)
	doneCh := sw.doneCh
	sw.mu.Unlock()
	<-doneCh
}

func (sw *sweeper) loop() {
	defer close(sw.doneCh)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stopCh:
			return
		case <-ticker.C:
			sw.RunOnce()
		}
	}
}

// RunOnce performs a single sweep.
func (sw *sweeper) RunOnce() int {
	n := sw.manager.Sweep(sw.idleTTL)
	if n > 0 {
		sw.logger.Info("evicted idle sessions", "count", n)
	}
	return n
}
