// Package logstream fans timestamped ingestion log lines out to live subscribers.
package logstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

// Subscription receives every line published after it was created. C is closed on Unsubscribe,
// on Close, or when the subscriber falls a full buffer behind.
type Subscription struct {
	C  <-chan string
	ch chan string
}

// Broadcaster is safe for concurrent use. Late subscribers get no replay.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	now    func() time.Time
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		subs:   map[*Subscription]struct{}{},
		buffer: buffer,
		now:    time.Now,
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan string, b.buffer)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	metrics.LogSubscribers.Inc()
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(sub)
}

// Publish stamps msg as "[HH:MM:SS] msg", delivers it to every subscriber and returns the line.
// A subscriber whose buffer is full is disconnected rather than silently missing lines.
func (b *Broadcaster) Publish(msg string) string {
	line := fmt.Sprintf("[%s] %s", b.now().Format(time.TimeOnly), msg)

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- line:
		default:
			b.drop(sub)
		}
	}
	return line
}

// Subscribers is the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		b.drop(sub)
	}
	b.closed = true
}

func (b *Broadcaster) drop(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	metrics.LogSubscribers.Dec()
}
