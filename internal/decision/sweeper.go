package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/patterns"
)

// Sweeper runs the background maintenance pass: expiring stale pending
// decisions and pruning the pattern store.
//
// Thread Safety: Start and Stop are safe for concurrent use; the running
// state is guarded by a mutex.
type Sweeper struct {
	interval    time.Duration
	coordinator *Coordinator
	patterns    *patterns.Store
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper. It does not start automatically; call
// Start to begin scheduled sweeps.
func NewSweeper(interval time.Duration, coordinator *Coordinator, pats *patterns.Store, logger *zap.Logger) (*Sweeper, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		interval:    interval,
		coordinator: coordinator,
		patterns:    pats,
		logger:      logger,
	}, nil
}

// Start begins the background sweep loop. Calling Start on a running
// sweeper returns an error without starting a second goroutine.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("decision sweeper started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for it to finish. Stopping a
// stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("decision sweeper stopped")
}

func (s *Sweeper) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stopCh:
			return
		}
	}
}

// sweep performs one maintenance pass. Errors and panics are logged and
// never stop the loop; the next tick retries.
func (s *Sweeper) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx := context.Background()

	expired, err := s.coordinator.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
	}

	pruned := 0
	if s.patterns != nil {
		pruned, err = s.patterns.Cleanup(ctx)
		if err != nil {
			s.logger.Error("pattern cleanup sweep failed", zap.Error(err))
		}
	}

	if expired > 0 || pruned > 0 {
		s.logger.Info("sweep completed",
			zap.Int("expired_decisions", expired),
			zap.Int("pruned_patterns", pruned))
	}
}
