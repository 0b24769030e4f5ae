package server

import "sync"

// eventQueue is an unbounded two-lane FIFO. Urgent events are always
// dequeued before normal ones. Pushing never blocks.
type eventQueue struct {
	mu     sync.Mutex
	urgent []Event
	normal []Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.normal = append(q.normal, ev)
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) pushUrgent(ev Event) {
	q.mu.Lock()
	q.urgent = append(q.urgent, ev)
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the next event without blocking.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.urgent) > 0 {
		ev := q.urgent[0]
		q.urgent[0] = nil
		q.urgent = q.urgent[1:]
		return ev, true
	}
	if len(q.normal) > 0 {
		ev := q.normal[0]
		q.normal[0] = nil
		q.normal = q.normal[1:]
		return ev, true
	}
	return nil, false
}

// ready is signalled after a push.
func (q *eventQueue) ready() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.urgent) + len(q.normal)
}
