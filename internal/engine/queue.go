package engine

import (
	"sync"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// eventQueue is the bounded FIFO of outbound protocol events for one session.
//
// The bound is enforced against audio only: when a push would exceed it, the
// oldest buffered audio chunk is removed to make room. Control events (session,
// prompt, and content boundaries, text, tool results) always enter the queue,
// letting it briefly exceed the bound rather than corrupt the event order.
type eventQueue struct {
	mu      sync.Mutex
	items   []sonic.Event
	bound   int
	empty   chan struct{} // closed while the queue is empty, recreated on push
	popped  int
	dropped int

	// wake receives a token after each push; the consumer selects on it
	// instead of polling. Buffered so producers never block.
	wake chan struct{}
}

func newEventQueue(bound int) *eventQueue {
	empty := make(chan struct{})
	close(empty)
	return &eventQueue{
		bound: bound,
		empty: empty,
		wake:  make(chan struct{}, 1),
	}
}

// push appends e, evicting the oldest buffered audio chunk first when the
// queue is at its bound. It reports whether an eviction happened.
func (q *eventQueue) push(e sonic.Event) (droppedOldest bool) {
	q.mu.Lock()
	if len(q.items) >= q.bound {
		for i, it := range q.items {
			if it.IsAudio() {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				droppedOldest = true
				break
			}
		}
	}
	if len(q.items) == 0 {
		q.empty = make(chan struct{})
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return droppedOldest
}

// pop removes and returns the head of the queue.
func (q *eventQueue) pop() (sonic.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return sonic.Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	q.popped++
	if len(q.items) == 0 {
		close(q.empty)
	}
	return e, true
}

// peekKind returns the kind of the head event without removing it.
func (q *eventQueue) peekKind() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0].Kind, true
}

// drain discards everything buffered and returns how many events were thrown
// away. Used by force-close, where ordered delivery no longer matters.
func (q *eventQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > 0 {
		q.items = nil
		close(q.empty)
	}
	return n
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// emptied returns a channel that is closed while the queue is empty. Ordered
// teardown waits on it so boundary events flush before the next step.
func (q *eventQueue) emptied() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.empty
}

// counts reports how many events were consumed and how many audio chunks were
// evicted over the queue's lifetime.
func (q *eventQueue) counts() (popped, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popped, q.dropped
}
