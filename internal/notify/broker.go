// Package notify fans change notifications out to interested subscribers.
// Delivery is best-effort: a subscriber that cannot keep up is dropped.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification topics.
const (
	TypeAccountsChanged    = "accounts.changed"
	TypeSessionsChanged    = "sessions.changed"
	TypeSessionsTick       = "sessions.tick"
	TypeCredentialsChanged = "credentials.changed"
)

// Notification is one topic-tagged change message.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Broker is the in-process subscriber registry. Constructed by the server
// and passed to whatever publishes or listens; no package-level state.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan Notification
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]chan Notification)}
}

// Subscribe registers a listener. The returned cancel removes it; the
// channel is closed either by cancel or by the broker dropping a slow
// subscriber.
func (b *Broker) Subscribe() (<-chan Notification, func()) {
	id := uuid.NewString()
	ch := make(chan Notification, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers to every subscriber without blocking. A full buffer
// counts as a failed delivery target and the subscriber is dropped.
func (b *Broker) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- n:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribers reports the current listener count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
