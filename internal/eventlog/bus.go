package eventlog

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const busTopic = "stream-events"

// Bus fans a just-appended Event out to every live subscriber (per-session
// WebSocket connections waiting on new events past their cursor). It is
// backed by a watermill in-memory pub/sub so the dispatch plumbing matches
// the rest of the stack's messaging idiom, but subscribers register as plain
// callbacks rather than consuming the raw watermill message channel
// directly, since every subscriber here lives in the same process.
//
// Dispatch to every subscriber happens synchronously, one event at a time,
// from the single pump goroutine: a subscriber callback is expected to be a
// fast, non-blocking enqueue (e.g. a connection's bounded outbound channel),
// never a blocking call. This is what lets two events for the same session
// reach a given subscriber in the order they were appended; fanning each
// delivery out onto its own goroutine would let the scheduler reorder them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]func(Event)
	nextID      int
	pubsub      *gochannel.GoChannel
	messages    <-chan *message.Message
	done        chan struct{}
}

func newBus() *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	messages, err := pubsub.Subscribe(context.Background(), busTopic)
	if err != nil {
		// gochannel.Subscribe only fails once the pub/sub is closed, which
		// cannot happen before this first call.
		panic(err)
	}

	b := &Bus{
		subscribers: make(map[int]func(Event)),
		pubsub:      pubsub,
		messages:    messages,
		done:        make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bus) pump() {
	for {
		select {
		case msg, ok := <-b.messages:
			if !ok {
				return
			}
			ev := decodeEvent(msg.Payload)
			msg.Ack()

			b.mu.RLock()
			fns := make([]func(Event), 0, len(b.subscribers))
			for _, fn := range b.subscribers {
				fns = append(fns, fn)
			}
			b.mu.RUnlock()

			for _, fn := range fns {
				fn(ev)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) publish(ev Event) {
	msg := message.NewMessage(watermill.NewUUID(), encodeEvent(ev))
	// The in-memory gochannel never errors on Publish; a full subscriber
	// buffer only drops messages for subscribers that are already gone.
	_ = b.pubsub.Publish(busTopic, msg)
}

func (b *Bus) close() error {
	close(b.done)
	return b.pubsub.Close()
}
