package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/quantdb/quantdb/internal/domain"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
)

// Hub broadcasts request records to websocket subscribers. A subscriber
// whose send buffer fills up is disconnected rather than allowed to
// slow the emit path.
type Hub struct {
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub creates a new broadcast hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:  log.With().Str("component", "monitor_hub").Logger(),
		subs: make(map[chan []byte]struct{}),
	}
}

// Broadcast fans the record out to all subscribers without blocking.
func (h *Hub) Broadcast(rec domain.RequestRecord) {
	h.mu.Lock()
	if len(h.subs) == 0 {
		h.mu.Unlock()
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		h.mu.Unlock()
		h.log.Warn().Err(err).Str("id", rec.ID).Msg("Failed to encode record for stream")
		return
	}

	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			// Closing under the lock guarantees exactly one close; the
			// subscriber's serve loop sees it and disconnects.
			delete(h.subs, ch)
			close(ch)
			h.log.Warn().Msg("Dropping slow monitor stream subscriber")
		}
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeConn pumps broadcast records to one websocket connection until
// the context ends, the peer goes away, or the subscriber falls behind.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("subscriber ping failed: %w", err)
			}
		case data, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscriber dropped: send buffer overflow")
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("subscriber write failed: %w", err)
			}
		}
	}
}
