package acquisition

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sampler runs one sample-and-publish cycle per interval while started. Each
// cycle is synchronous: a slow cycle delays the next tick rather than
// overlapping it.
type Sampler struct {
	interval time.Duration
	logger   *zap.Logger
	cycle    func()

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSampler(interval time.Duration, logger *zap.Logger, cycle func()) *Sampler {
	return &Sampler{
		interval: interval,
		logger:   logger,
		cycle:    cycle,
	}
}

// Start begins the sampling loop. Starting an already running sampler is a
// no-op and does not reset the tick phase.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.loop(s.stopChan)

	s.logger.Info("Sampler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight cycle to finish. Stopping a
// stopped sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopChan := s.stopChan
	s.mu.Unlock()

	close(stopChan)
	s.wg.Wait()

	s.logger.Info("Sampler stopped")
}

func (s *Sampler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) loop(stopChan chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}
