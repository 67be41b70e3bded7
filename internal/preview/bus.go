package preview

import "sync"

// Bus topics the controller listens on.
const (
	// TopicResize carries layout.Measurements after the window resizes.
	TopicResize = "resize"
	// TopicTOCJump carries a toc.Target chosen in the outline view.
	TopicTOCJump = "toc-jump"
)

// Bus is an in-process publish/subscribe hub for editor events. Handlers run
// synchronously on the publishing goroutine.
type Bus struct {
	subs map[string]map[uint64]func(any)
	mu   sync.RWMutex
	next uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]func(any))}
}

// Subscribe registers fn for topic and returns its unsubscribe function.
// Unsubscribing more than once is a no-op.
func (b *Bus) Subscribe(topic string, fn func(any)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(any))
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers payload to every subscriber of topic and returns how many
// handlers ran.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.RLock()
	handlers := make([]func(any), 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
	return len(handlers)
}

// Subscribers reports the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
