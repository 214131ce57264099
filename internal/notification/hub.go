package notification

import (
	"sync"

	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 32

// Hub routes events to the subscribers of each user. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint]map[uint64]chan Event
	nextID  uint64
	buffer  int
	closed  bool
	logger  logger.Logger
	metrics *metrics.PredictionMetrics
}

// NewHub creates a hub whose subscriber channels hold buffer events
func NewHub(buffer int, log logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Hub{
		subs:   make(map[uint]map[uint64]chan Event),
		buffer: buffer,
		logger: log.Module("notification"),
	}
}

// SetMetrics enables dropped-event counting
func (h *Hub) SetMetrics(m *metrics.PredictionMetrics) {
	h.metrics = m
}

// Subscribe registers a listener for userID. The returned function
// unsubscribes and closes the channel; calling it twice is safe.
func (h *Hub) Subscribe(userID uint) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]chan Event)
	}
	h.subs[userID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(userID, id) })
	}
}

func (h *Hub) unsubscribe(userID uint, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userSubs := h.subs[userID]
	ch, ok := userSubs[id]
	if !ok {
		return
	}
	delete(userSubs, id)
	if len(userSubs) == 0 {
		delete(h.subs, userID)
	}
	close(ch)
}

// Publish delivers event to every subscriber of userID and returns how
// many received it
func (h *Hub) Publish(userID uint, event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, ch := range h.subs[userID] {
		select {
		case ch <- event:
			delivered++
		default:
			h.logger.Debug("subscriber buffer full, dropping event",
				logger.Uint64("user_id", uint64(userID)),
				logger.String("stage", string(event.Stage)))
			if h.metrics != nil {
				h.metrics.RecordNotificationDropped(string(event.Type))
			}
		}
	}
	return delivered
}

// SubscriberCount returns the number of listeners for userID
func (h *Hub) SubscriberCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for userID, userSubs := range h.subs {
		for _, ch := range userSubs {
			close(ch)
		}
		delete(h.subs, userID)
	}
}
