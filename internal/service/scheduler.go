package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heraldmail/herald/pkg/logger"
)

// PeriodicRunner registers functions for periodic invocation and hands back
// opaque handles. The dispatch job singleton stores the active handle.
type PeriodicRunner interface {
	// Register starts invoking fn every interval and returns the handle.
	Register(ctx context.Context, interval time.Duration, fn func(context.Context)) string

	// Deregister cancels a registration. Unknown handles are ignored.
	Deregister(id string) bool

	// Stop cancels every registration and waits for running invocations.
	Stop()
}

// TickerScheduler is an in-process PeriodicRunner driving one goroutine per
// registration. The first invocation fires immediately, then on every tick.
type TickerScheduler struct {
	logger logger.Logger

	mu   sync.Mutex
	jobs map[string]chan struct{}
	wg   sync.WaitGroup
}

// NewTickerScheduler creates a new TickerScheduler
func NewTickerScheduler(log logger.Logger) *TickerScheduler {
	return &TickerScheduler{
		logger: log,
		jobs:   make(map[string]chan struct{}),
	}
}

var _ PeriodicRunner = (*TickerScheduler)(nil)

// Register starts invoking fn every interval.
func (s *TickerScheduler) Register(ctx context.Context, interval time.Duration, fn func(context.Context)) string {
	id := uuid.New().String()
	stop := make(chan struct{})

	s.mu.Lock()
	s.jobs[id] = stop
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"job_id":   id,
		"interval": interval.String(),
	}).Info("Periodic job registered")

	s.wg.Add(1)
	go s.run(ctx, interval, fn, stop)

	return id
}

func (s *TickerScheduler) run(ctx context.Context, interval time.Duration, fn func(context.Context), stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Execute immediately on start
	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Deregister cancels a registration.
func (s *TickerScheduler) Deregister(id string) bool {
	s.mu.Lock()
	stop, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if ok {
		close(stop)
		s.logger.WithField("job_id", id).Info("Periodic job deregistered")
	}
	return ok
}

// Stop cancels every registration and waits for running invocations.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	for id, stop := range s.jobs {
		close(stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
