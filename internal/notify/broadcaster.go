// Package notify delivers the author DID of each newly matched post to live
// listeners: in-process subscribers and an optional Redis channel.
package notify

import (
	"context"
	"sync"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
)

const defaultBufferSize = 64

// Broadcaster fans out matched-post authors to in-process subscribers. A
// subscriber that falls behind misses events rather than slowing ingestion.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]chan string
	nextID      int64
	bufferSize  int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]chan string),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a listener until ctx ends or the returned cleanup is
// called. The channel is never closed; callers stop reading when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan string, func()) {
	stream := make(chan string, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Notify implements domain.Notifier. It never blocks.
func (b *Broadcaster) Notify(actor string) {
	if actor == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, stream := range b.subscribers {
		select {
		case stream <- actor:
		default:
		}
	}
}

// Subscribers returns the number of registered listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

type fanout []domain.Notifier

func (f fanout) Notify(actor string) {
	for _, n := range f {
		n.Notify(actor)
	}
}

// Fanout returns a notifier that forwards to every non-nil notifier in order.
func Fanout(notifiers ...domain.Notifier) domain.Notifier {
	var out fanout
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return domain.NopNotifier{}
	case 1:
		return out[0]
	default:
		return out
	}
}
