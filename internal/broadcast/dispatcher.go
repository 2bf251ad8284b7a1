package broadcast

import (
	"context"
	"sync"
	"time"
)

const (
	EventPositionUpdate         = "position_update"
	EventBaseStationUpdate      = "base_station_update"
	EventAidToNavigationUpdate  = "aid_to_navigation_update"
	EventVesselUpdate           = "vessel_update"
	EventTextMessage            = "text_message"
	defaultSubscriberBufferSize = 64
)

// Event is one notification delivered to every subscriber.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type Config struct {
	BufferSize int
	// OnEvict is invoked once per subscriber dropped for falling behind.
	OnEvict func()
}

// Dispatcher fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full is evicted and its channel closed.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	onEvict     func()
}

type subscriber struct {
	id     int64
	stream chan Event
	done   chan struct{}
}

func NewDispatcher(cfg Config) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		onEvict:     cfg.OnEvict,
	}
}

// Subscribe registers a subscriber until ctx is done or cleanup is called.
// The returned channel is closed when the subscription ends.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{stream: make(chan Event, d.bufferSize), done: make(chan struct{})}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber with buffer space.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var lagging []int64
	d.mu.RLock()
	for id, sub := range d.subscribers {
		select {
		case sub.stream <- event:
		default:
			lagging = append(lagging, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range lagging {
		if d.unregister(id) && d.onEvict != nil {
			d.onEvict()
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Channels are closed only under the write lock; sends happen under the read lock.
func (d *Dispatcher) unregister(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscribers[id]
	if !ok {
		return false
	}
	delete(d.subscribers, id)
	close(sub.stream)
	close(sub.done)
	return true
}
