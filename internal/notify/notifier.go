// Package notify implements per-job status event fan-out. The job registry
// publishes lifecycle events into it and SSE handlers subscribe to them.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkarlsen/quantd/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Non-terminal events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// finalPushTimeout bounds how long a terminal event waits on a full
// subscriber buffer before being dropped.
const finalPushTimeout = 100 * time.Millisecond

// Notifier manages per-job event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job reaches a terminal state) receive a closed channel
// instead of blocking forever. Markers are evicted together with their jobs
// by the registry's retention cleanup.
type Notifier struct {
	mu      sync.Mutex
	topics  map[string]*topic
	dropped atomic.Int64
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewNotifier creates a new notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives status events for the given job
// and an unsubscribe function. If the job's stream has already been closed,
// the returned channel is immediately closed.
//
// A closed channel is the end-of-stream sentinel: the channel close happens
// exactly once per job and always after the last published event.
func (n *Notifier) Subscribe(jobID string) (<-chan model.Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		n.topics[jobID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all current subscribers of the given job.
// Publishing with no subscribers is a no-op. Non-terminal events are dropped
// for subscribers whose buffers are full; terminal events wait briefly so
// the closing status is not lost to a momentarily full buffer.
func (n *Notifier) Publish(jobID string, ev model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !ev.Status.Terminal() {
			n.dropped.Add(1)
			eventsDroppedTotal.Inc()
			continue
		}
		select {
		case ch <- ev:
		case <-time.After(finalPushTimeout):
			n.dropped.Add(1)
			eventsDroppedTotal.Inc()
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (n *Notifier) Close(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		n.topics[jobID] = &topic{subs: make(map[int]chan model.Event), closed: true}
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Remove drops the job's topic entirely, including its closed marker.
// Any remaining subscriber channels are closed first. Called by the
// registry when a job is evicted.
func (n *Notifier) Remove(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		return
	}
	if !t.closed {
		for _, ch := range t.subs {
			close(ch)
		}
	}
	delete(n.topics, jobID)
}

// Subscribers returns the number of active subscribers for the given job.
func (n *Notifier) Subscribers(jobID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.topics[jobID]
	if !ok {
		return 0
	}
	return len(t.subs)
}

// Dropped returns the total number of events dropped for slow subscribers.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}
