package hub

import (
	"sync"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
)

const (
	TopicSessionCreated   = "session-created"
	TopicAttendanceMarked = "attendance-marked"
)

// Event is what subscribers receive. SessionID lets listeners filter without
// decoding Data.
type Event struct {
	Topic     string      `json:"topic"`
	SessionID string      `json:"sessionId"`
	Data      interface{} `json:"data"`
}

// MarkedEvent is the payload of attendance-marked.
type MarkedEvent struct {
	SessionID       string               `json:"sessionId"`
	Record          model.AttendanceMark `json:"record"`
	TotalAttendance int                  `json:"totalAttendance"`
}

type subscription struct {
	topics map[string]struct{}
	ch     chan Event
}

func (s *subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Broker fans hub events out to subscribers. Each subscriber sees events in
// publish order; a subscriber whose buffer is full misses events instead of
// blocking the publisher.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	next   int
	closed bool
	logger *zap.Logger
}

func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{subs: make(map[int]*subscription), logger: logger}
}

// Subscribe registers for topics, or for every topic when none are given.
// The returned cancel func closes the channel.
func (b *Broker) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{topics: make(map[string]struct{}, len(topics)), ch: make(chan Event, buffer)}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping hub event for slow subscriber", zap.String("topic", ev.Topic), zap.String("session_id", ev.SessionID))
		}
	}
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
