package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

// DefaultQueueDepth bounds each subscriber's outbound queue.
const DefaultQueueDepth = 1024

type subscriber struct {
	connID string
	send   chan protocol.Envelope
	done   chan struct{}
}

// Hub fans published envelopes out to every subscriber of a topic.
// Slow subscribers lose envelopes instead of stalling publishers; the
// reassembly side tolerates loss through repeated publish rounds.
type Hub struct {
	queueDepth int

	mu     sync.RWMutex
	topics map[string]map[string]*subscriber // topic -> connID -> subscriber

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub with the given per-subscriber queue depth.
func NewHub(queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Hub{
		queueDepth: queueDepth,
		topics:     make(map[string]map[string]*subscriber),
	}
}

// Subscribe registers send for topic and returns a function that removes it.
// A connection subscribing twice to the same topic replaces its earlier subscription.
func (h *Hub) Subscribe(topic, connID string, send func(env protocol.Envelope) error) (unsubscribe func()) {
	sub := &subscriber{
		connID: connID,
		send:   make(chan protocol.Envelope, h.queueDepth),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for env := range sub.send {
			if err := send(env); err != nil {
				// drain so publishers never block on a dead subscriber
				for range sub.send {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*subscriber)
		h.topics[topic] = subs
	}
	if old, ok := subs[connID]; ok {
		close(old.send)
	}
	subs[connID] = sub
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		subs := h.topics[topic]
		if subs == nil || subs[connID] != sub {
			h.mu.Unlock()
			return
		}
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
		close(sub.send)
		h.mu.Unlock()

		select {
		case <-sub.done:
		case <-time.After(time.Second):
		}
	}
}

// Publish queues env for every subscriber of topic except the sender's own
// connection. It never blocks and returns how many subscribers were reached.
func (h *Hub) Publish(topic, fromConnID string, env protocol.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reached := 0
	for connID, sub := range h.topics[topic] {
		if connID == fromConnID {
			continue
		}
		select {
		case sub.send <- env:
			reached++
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return reached
}

// Subscribers returns the number of subscribers per topic, sorted by topic.
func (h *Hub) Subscribers() []TopicCount {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TopicCount, 0, len(h.topics))
	for topic, subs := range h.topics {
		out = append(out, TopicCount{Topic: topic, Subscribers: len(subs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// TopicCount reports the subscriber count of one topic.
type TopicCount struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns the total delivered and dropped envelope counts.
func (h *Hub) Stats() (delivered, dropped uint64) {
	return h.delivered.Load(), h.dropped.Load()
}
