package channel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var droppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ras_channel_dropped_events_total",
		Help: "Outbound events dropped because a subscriber's buffer was full.",
	},
	[]string{"session_id"},
)

func init() {
	prometheus.MustRegister(droppedEvents)
}

// Subscriber is one connected client's inbound queue for a session. Send
// never blocks the publisher: a full buffer drops the oldest queued event to
// make room, so one slow client never stalls the research loop. The dropped
// event is taken from the front of the queue whatever its type; heartbeats
// are not skipped over.
type Subscriber struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func newSubscriber(bufferSize int) *Subscriber {
	return &Subscriber{ch: make(chan Event, bufferSize), closed: make(chan struct{})}
}

// Events returns the channel a connection handler should range over.
func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub fans out events published for a session to every live Subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
	bufferSize  int
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{subscribers: make(map[string]map[*Subscriber]struct{}), bufferSize: bufferSize}
}

// Subscribe registers a new Subscriber for sessionID. The caller must call
// the returned unsubscribe func when the connection closes.
func (h *Hub) Subscribe(sessionID string) (*Subscriber, func()) {
	sub := newSubscriber(h.bufferSize)
	h.mu.Lock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		delete(h.subscribers[sessionID], sub)
		if len(h.subscribers[sessionID]) == 0 {
			delete(h.subscribers, sessionID)
		}
		h.mu.Unlock()
		sub.close()
	}
}

// Publish delivers event to every live subscriber of sessionID. Delivery is
// best-effort: a subscriber whose buffer is full has its oldest queued
// event dropped to make room, rather than blocking the publisher.
func (h *Hub) Publish(sessionID string, event Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[sessionID]))
	for sub := range h.subscribers[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
				droppedEvents.WithLabelValues(sessionID).Inc()
			default:
			}
		}
	}
}

// SubscriberCount reports how many clients are currently subscribed to
// sessionID, used by fan-out tests and metrics.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
