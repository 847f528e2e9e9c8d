// Package events distributes job snapshots to SSE subscribers and an MQTT
// broker.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/subcheck/internal/metrics"
)

// Event is one server-sent event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SubType   string          `json:"sub_type,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Types entries may be compound
// ("job:completed") to match a type and subtype.
type Filter struct {
	Types []string
	Jobs  []string
}

// Bus provides pub-sub event distribution for SSE subscribers.
// It keeps a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events after lastEventID, oldest first.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""

	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends an event to every matching subscriber and records it in the
// ring buffer. Slow subscribers drop events rather than block the publisher.
func (b *Bus) Publish(typ, subType, jobID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	now := time.Now()
	e := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), b.seq.Add(1)),
		Type:      typ,
		SubType:   subType,
		JobID:     jobID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}

	metrics.SSEEventsPublishedTotal.Inc()

	b.ringMu.Lock()
	b.ring[b.ringHead] = e
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.matches(e) {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	b.mu.RUnlock()
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Jobs) > 0 && e.JobID != "" {
		match := false
		for _, id := range f.Jobs {
			if id == e.JobID {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
