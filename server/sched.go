package server

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ollama/stylize/metrics"
)

var ErrMaxQueue = errors.New("server busy, please try again.  maximum pending requests exceeded")

// Scheduler serializes engine work. At most one job runs at a time and at
// most maxQueue jobs wait behind it; further jobs fail with ErrMaxQueue.
type Scheduler struct {
	pending chan struct{}
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
}

func InitScheduler(maxQueue int, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		// one slot for the running job
		pending: make(chan struct{}, maxQueue+1),
		sem:     semaphore.NewWeighted(1),
		metrics: m,
	}
}

// Run waits for the engine and calls fn. Waiting stops when ctx is done;
// once fn has started it runs to completion.
func (s *Scheduler) Run(ctx context.Context, operation string, fn func() error) error {
	select {
	case s.pending <- struct{}{}:
	default:
		return ErrMaxQueue
	}
	defer func() { <-s.pending }()

	s.metrics.Queued(1)
	err := s.sem.Acquire(ctx, 1)
	s.metrics.Queued(-1)
	if err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.metrics.InFlight(1)
	defer s.metrics.InFlight(-1)

	start := time.Now()
	err = fn()
	s.metrics.ObserveEngine(operation, time.Since(start), err)
	return err
}
