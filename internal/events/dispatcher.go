package events

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Dispatcher fans envelopes out to subscribers of a chat. Slow subscribers
// lose envelopes instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Envelope
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for envelopes of chatID until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, chatID string) (<-chan Envelope, func()) {
	if chatID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Envelope, d.bufferSize),
	}
	d.register(chatID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(chatID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(_ context.Context, envelope Envelope) error {
	if envelope.ChatID == "" || envelope.Type == "" {
		return nil
	}
	d.mu.RLock()
	subscribers := d.subscribers[envelope.ChatID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return nil
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- envelope:
		default:
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions to chatID.
func (d *Dispatcher) SubscriberCount(chatID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[chatID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(chatID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[chatID]; !ok {
		d.subscribers[chatID] = make(map[int64]*subscriber)
	}
	d.subscribers[chatID][sub.id] = sub
}

func (d *Dispatcher) unregister(chatID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[chatID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, chatID)
		}
	}
	d.mu.Unlock()
}
