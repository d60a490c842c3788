// Package events fans out synchronization events to per-server subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TypePageDirty  = "page-dirty"
	TypePageSynced = "page-synced"
	TypeHeartbeat  = "heartbeat"
)

const defaultBufferSize = 16

// Event reports that pages of a server changed state.
type Event struct {
	ServerID  string    `json:"server_id"`
	Type      string    `json:"type"`
	PageIDs   []string  `json:"page_ids"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher delivers events to subscribers of the event's server. A
// subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers for a server's events until ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, serverID string) (<-chan Event, func()) {
	if serverID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(serverID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(serverID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event without blocking.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || event.ServerID == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.ServerID]
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of a server.
func (d *Dispatcher) SubscriberCount(serverID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[serverID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(serverID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[serverID]; !ok {
		d.subscribers[serverID] = make(map[int64]*subscriber)
	}
	d.subscribers[serverID][sub.id] = sub
}

func (d *Dispatcher) unregister(serverID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[serverID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, serverID)
	}
}
