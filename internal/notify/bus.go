// Package notify carries operational notifications (credential failures,
// fallbacks, maintenance transitions, admin overrides) from the routing core
// to delivery sinks. Publishing never blocks request handling.
package notify

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of notification.
type Type string

const (
	TypeAPIKeyFailure        Type = "api_key_failure"
	TypeAPIKeyFallback       Type = "api_key_fallback"
	TypeMaintenanceTriggered Type = "maintenance_triggered"
	TypeAdminOverride        Type = "admin_override"
)

// Notification is a single operational event published on the bus.
type Notification struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Credential fields (api_key_failure, api_key_fallback).
	CredentialID string `json:"credential_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Feature      string `json:"feature,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`
	FellBackTo   string `json:"fell_back_to,omitempty"`

	// Maintenance fields.
	Level  string `json:"level,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Admin fields (admin_override, maintenance enter/exit by hand).
	AdminID string `json:"admin_id,omitempty"`
	Action  string `json:"action,omitempty"`

	Message string `json:"message,omitempty"`
}

// JSON returns the notification as a JSON byte slice.
func (n *Notification) JSON() []byte {
	b, _ := json.Marshal(n)
	return b
}

// Subscriber receives notifications on a channel.
type Subscriber struct {
	C    chan Notification
	done chan struct{}
}

// Bus is an in-memory pub/sub bus. Slow subscribers drop, never block.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Notification, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and signals its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends a notification to all subscribers, non-blocking.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- n:
		default:
			// Drop when the subscriber is slow.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
