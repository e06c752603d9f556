// Package bus is the in-process broadcast channel for recording signals.
// Publishers do not know who is listening; delivery is best effort and at
// most once per subscriber, with no replay for late subscribers.
package bus

import (
	"log"
	"sync"
)

// Topic names the recording event stream.
const Topic = "screenrec.RECORDING_EVENT"

const ActionStop = "STOP"

const defaultBuffer = 8

// Signal is a fire-and-forget command. Action is the only payload.
type Signal struct {
	Action string `json:"action"`
}

// Stop is the signal that asks the session owner to end the recording.
func Stop() Signal {
	return Signal{Action: ActionStop}
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	buffer      int
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      defaultBuffer,
	}
}

// Publish delivers sig to every current subscriber without blocking and
// returns how many received it. A subscriber whose buffer is full misses it.
func (b *Bus) Publish(sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subscribers {
		select {
		case sub.ch <- sig:
			delivered++
		default:
			log.Printf("Bus: dropped %s signal for a slow subscriber", sig.Action)
		}
	}
	log.Printf("Bus: published %s on %s to %d subscriber(s)", sig.Action, Topic, delivered)
	return delivered
}

// Subscribe registers a new listener. Close the subscription before
// discarding it.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Signal, b.buffer),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Subscribers returns the number of registered listeners.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

type Subscription struct {
	bus  *Bus
	ch   chan Signal
	once sync.Once
}

// C returns the channel signals arrive on. It is closed by Close.
func (s *Subscription) C() <-chan Signal {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}
