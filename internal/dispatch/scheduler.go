package dispatch

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler drives the publisher on a recurring interval. It owns its
// goroutine lifecycle so tests can run several instances side by side.
type Scheduler struct {
	publisher *Publisher
	interval  time.Duration
	logger    *log.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	done      chan struct{}
	stopped   chan struct{}
}

// NewScheduler constructs a scheduler.
func NewScheduler(publisher *Publisher, interval time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the tick loop. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.publisher == nil {
		return
	}
	s.startOnce.Do(func() {
		s.started = true
		go s.run(ctx)
	})
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
	})
	if s.started {
		<-s.stopped
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.publisher.Tick(ctx); err != nil {
				s.logger.Printf("publisher tick error: %v", err)
			}
		}
	}
}
