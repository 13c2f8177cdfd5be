package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	EventDocumentChanged = "document-changed"
	EventDocumentAdded   = "document-added"
	EventDocumentRemoved = "document-removed"

	defaultBufferSize = 16
)

// Event notifies listeners of a committed change on a topic.
type Event struct {
	Topic       string    `json:"topic"`
	Kind        string    `json:"kind"`
	DocumentIDs []string  `json:"document_ids"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher fans committed changes out to listeners.
type Publisher interface {
	Publish(event Event)
}

// Subscriber attaches listeners to a topic. The returned cleanup detaches the listener and is safe
// to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, func())
}

// Dispatcher is the in-process topic fan-out.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
	once   sync.Once
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	cleanup := func() {
		d.unregister(topic, sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[event.Topic] {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the listeners attached to topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
	})
}

// PublishAll publishes one event per topic with a shared kind and document ids.
func PublishAll(publisher Publisher, kind string, documentIDs []string, topics ...string) {
	if publisher == nil {
		return
	}
	now := time.Now().UTC()
	for _, topic := range topics {
		publisher.Publish(Event{
			Topic:       topic,
			Kind:        kind,
			DocumentIDs: documentIDs,
			Timestamp:   now,
		})
	}
}
