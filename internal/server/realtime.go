package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventSyncChanged signals that new change-log entries exist for a tenant.
	RealtimeEventSyncChanged = "sync-change"
	realtimeEventHeartbeat   = "heartbeat"
)

// RealtimeMessage is the payload broadcast to connected devices when a
// tenant's change log advances. Receivers are expected to trigger a pull.
type RealtimeMessage struct {
	TenantID      string
	EventType     string
	EntityIDs     []string
	LatestVersion int64
	Timestamp     time.Time
}

// RealtimeDispatcher fans sync hints out to the tenant's connected devices.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for the tenant's sync events. The returned
// cleanup is idempotent and also runs when ctx is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan RealtimeMessage, func()) {
	if tenantID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(tenantID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(tenantID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of the tenant. Slow
// subscribers miss messages rather than blocking the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tenantID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tenantID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
