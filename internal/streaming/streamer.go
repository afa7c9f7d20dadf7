package streaming

import (
	"sync"
	"sync/atomic"
	"time"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

type Event struct {
	Seq       uint64    `json:"seq"`
	Topic     string    `json:"topic"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStreamer fans machine events out to subscribers. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	seq         atomic.Uint64
	dropped     atomic.Uint64
	bufferSize  int
}

func NewEventStreamer(bufferSize int) *EventStreamer {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventStreamer{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of the given topics, or of
// all topics when none is given.
func (s *EventStreamer) Subscribe(topics ...string) <-chan *Event {
	if len(topics) == 0 {
		topics = []string{AllTopics}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Event, s.bufferSize)
	for _, topic := range topics {
		s.subscribers[topic] = append(s.subscribers[topic], ch)
	}
	return ch
}

func (s *EventStreamer) Unsubscribe(ch <-chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found chan *Event
	for topic, subs := range s.subscribers {
		for i, sub := range subs {
			if sub == ch {
				found = sub
				s.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subscribers[topic]) == 0 {
			delete(s.subscribers, topic)
		}
	}
	if found != nil {
		close(found)
	}
}

func (s *EventStreamer) Publish(topic, kind string, payload any) {
	event := &Event{
		Seq:       s.seq.Add(1),
		Topic:     topic,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := make(map[chan *Event]bool)
	for _, key := range []string{topic, AllTopics} {
		for _, ch := range s.subscribers[key] {
			if sent[ch] {
				continue
			}
			sent[ch] = true
			select {
			case ch <- event:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Dropped counts events skipped because a subscriber was full.
func (s *EventStreamer) Dropped() uint64 {
	return s.dropped.Load()
}
