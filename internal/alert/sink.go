// Package alert provides a best-effort, non-blocking fan-out of attribute
// value changes to external alerting subscribers, mirroring how a resource
// agent's alert handlers are invoked after a successful attribute write.
package alert

import (
	"sync"
	"time"
)

// Alert represents one node's value for one attribute, sent to subscribers
// after the writer submits (not necessarily completes) a CDB write.
type Alert struct {
	Attribute string
	NodeName  string
	NodeID    uint32
	Value     string // empty string means the value was deleted
	Deleted   bool
	Sent      time.Time
}

// Subscriber is a channel that receives alerts.
type Subscriber chan *Alert

// Sink fans out alerts to subscribers without blocking the writer.
type Sink struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	alertCh     chan *Alert
	stopCh      chan struct{}
}

// NewSink creates a new alert sink.
func NewSink() *Sink {
	return &Sink{
		subscribers: make(map[Subscriber]bool),
		alertCh:     make(chan *Alert, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the sink's distribution loop.
func (s *Sink) Start() {
	go s.run()
}

// Stop stops the sink.
func (s *Sink) Stop() {
	close(s.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (s *Sink) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := make(Subscriber, 50)
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (s *Sink) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers, sub)
	close(sub)
}

// Send queues an alert for delivery. Best-effort: if the sink is backed up,
// the alert is dropped rather than blocking the caller (the writer).
func (s *Sink) Send(a *Alert) {
	if a.Sent.IsZero() {
		a.Sent = time.Now()
	}
	select {
	case s.alertCh <- a:
	default:
	}
}

func (s *Sink) run() {
	for {
		select {
		case a := <-s.alertCh:
			s.broadcast(a)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sink) broadcast(a *Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subscribers {
		select {
		case sub <- a:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (s *Sink) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
