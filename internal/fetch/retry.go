package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantdb/quantdb/internal/domain"
)

// withRetry runs fn with exponential backoff. Only errors the taxonomy
// marks retryable are retried; the backoff sleep honors cancellation.
func (c *Coordinator) withRetry(ctx context.Context, op, symbol string, fn func() error) error {
	delay := c.cfg.RetryBase
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.RetryCap {
				delay = c.cfg.RetryCap
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			return err
		}
		c.log.Warn().Err(err).
			Str("op", op).
			Str("symbol", symbol).
			Int("attempt", attempt+1).
			Msg("Upstream call failed, will retry")
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", c.cfg.RetryMax+1, lastErr)
}

// slotPool bounds concurrent upstream work. Waiters beyond the queue
// cap fail fast with ErrUpstreamOverloaded instead of piling up.
type slotPool struct {
	slots    chan struct{}
	queueCap int64
	waiting  atomic.Int64
}

func newSlotPool(workers, queueCap int) *slotPool {
	if workers < 1 {
		workers = 1
	}
	return &slotPool{
		slots:    make(chan struct{}, workers),
		queueCap: int64(queueCap),
	}
}

func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if p.waiting.Add(1) > p.queueCap {
		p.waiting.Add(-1)
		return domain.ErrUpstreamOverloaded
	}
	defer p.waiting.Add(-1)

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *slotPool) release() {
	<-p.slots
}

// keyedMutex serializes work per cache population. Entries are
// reference counted and removed when the last holder unlocks, so the
// map does not grow with the symbol universe.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock blocks until the key is held and returns the unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
