package processor

import (
	"context"
)

// ConcLimiter bounds the number of requests rendering at once.
type ConcLimiter struct {
	Pool chan struct{}
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel <= 0 {
		cLevel = 1
	}
	return &ConcLimiter{make(chan struct{}, cLevel)}
}

// Acquire waits for a free slot or for ctx to be done.
func (c *ConcLimiter) Acquire(ctx context.Context) error {
	select {
	case c.Pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ConcLimiter) Release() {
	select {
	case <-c.Pool:
	default:
	}
}
