package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/domain"
)

const (
	flushBatchSize = 64
	flushInterval  = time.Second
)

// recordAppender is the slice of the request log repository the emitter
// writes through.
type recordAppender interface {
	Append(ctx context.Context, records []domain.RequestRecord) error
}

// Emitter is the asynchronous sink for request records. Emit updates the
// in-memory instruments synchronously and hands the record to a single
// writer goroutine for persistence. When the buffer is full or the sink
// is closed the record is counted as dropped, never blocked on.
type Emitter struct {
	repo    recordAppender
	metrics *Metrics
	latency *latencyRing
	hub     *Hub
	log     zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan domain.RequestRecord
	done    chan struct{}
	dropped atomic.Int64
}

// NewEmitter creates the sink and starts its writer goroutine.
// bufferSize and latencyWindow fall back to sane defaults when zero.
func NewEmitter(repo recordAppender, metrics *Metrics, hub *Hub, bufferSize, latencyWindow int, log zerolog.Logger) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if latencyWindow <= 0 {
		latencyWindow = 1024
	}

	e := &Emitter{
		repo:    repo,
		metrics: metrics,
		latency: newLatencyRing(latencyWindow),
		hub:     hub,
		log:     log.With().Str("component", "monitor_emitter").Logger(),
		ch:      make(chan domain.RequestRecord, bufferSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit records one completed request. It never blocks.
func (e *Emitter) Emit(rec domain.RequestRecord) {
	if e.metrics != nil {
		e.metrics.Observe(rec)
	}
	e.latency.add(float64(rec.TotalMS))
	if e.hub != nil {
		e.hub.Broadcast(rec)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(1)
		return
	}
	select {
	case e.ch <- rec:
	default:
		e.drop(1)
	}
}

// DroppedCount returns how many records were lost to backpressure or
// persistence failures since startup.
func (e *Emitter) DroppedCount() int64 {
	return e.dropped.Load()
}

// Quantiles returns p50/p95/p99 total latency in milliseconds over the
// sliding sample window.
func (e *Emitter) Quantiles() (p50, p95, p99 float64) {
	return e.latency.Quantiles()
}

// Close stops accepting records and flushes the buffer. The context
// bounds how long the flush may take.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) drop(n int) {
	e.dropped.Add(int64(n))
	if e.metrics != nil {
		e.metrics.Dropped.Add(float64(n))
	}
}

func (e *Emitter) run() {
	defer close(e.done)

	batch := make([]domain.RequestRecord, 0, flushBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.repo.Append(context.Background(), batch); err != nil {
			// Persistence failure degrades to counters; serving is unaffected.
			e.log.Error().Err(err).Int("records", len(batch)).Msg("Failed to persist request records")
			e.drop(len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-e.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
