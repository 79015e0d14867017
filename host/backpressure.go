package host

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// semaphoreSlots bounds the number of concurrently live sessions for one
// plugin (spec §5 "Backpressure": further invocations queue rather than
// running unbounded). Grounded on wetware-pkg's use of
// golang.org/x/sync/semaphore for the same per-resource concurrency cap
// shape.
type semaphoreSlots struct {
	sem *semaphore.Weighted
}

func newSemaphoreSlots(max int64) *semaphoreSlots {
	return &semaphoreSlots{sem: semaphore.NewWeighted(max)}
}

func (s *semaphoreSlots) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *semaphoreSlots) Release() {
	s.sem.Release(1)
}
