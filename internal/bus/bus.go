// Package bus is MindFry's internal event fabric. The command handler
// publishes lineage/bond/GC/mood events to it; SUBSCRIBE connections and the
// console visualizer each register their own channel to observe them.
package bus

import (
	"log"
	"sync"

	"github.com/mindfry/mindfry/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. Every cross-component notification
// (lineage archived, GC tick, mood change, ...) passes through it.
// Multiple consumers (SUBSCRIBE connections, the console visualizer) can
// each register their own tap channel via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.Topic][]chan types.Message
	taps        []chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.Topic][]chan types.Message),
	}
}

// Publish fans out msg to all subscribers of msg.Topic and to every tap.
// Non-blocking: if a subscriber's channel is full, the message is dropped with a warning.
func (b *Bus) Publish(msg types.Message) {
	b.mu.RLock()
	subs := b.subscribers[msg.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for topic=%s — message dropped", msg.Topic)
		}
	}

	// Fan out to all tap channels (console visualizer, audit trail, ...). Non-blocking.
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, tap := range taps {
		select {
		case tap <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full — message dropped topic=%s", msg.Topic)
		}
	}
}

// Subscribe returns a receive-only channel that delivers messages of topic t.
// Each call creates a new independent subscriber channel — this backs the
// wire protocol's SUBSCRIBE opcode, one channel per connection per topic.
func (b *Bus) Subscribe(t types.Topic) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
// No-op if ch is not currently registered under t.
func (b *Bus) Unsubscribe(t types.Topic, ch <-chan types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, s := range subs {
		if s == ch {
			close(s)
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// NewTap registers and returns a new read-only tap channel.
// Each caller gets an independent channel that receives every published message.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
