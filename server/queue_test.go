package server

import (
	"testing"
	"time"
)

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()
	q.push(TimerFired{Kind: timerElection, Gen: 1})
	q.push(TimerFired{Kind: timerElection, Gen: 2})
	q.push(TimerFired{Kind: timerElection, Gen: 3})

	for want := uint64(1); want <= 3; want++ {
		ev, ok := q.pop()
		if !ok {
			t.Fatalf("queue empty, expected gen %d", want)
		}
		if got := ev.(TimerFired).Gen; got != want {
			t.Errorf("expected gen %d, got %d", want, got)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("queue should be empty")
	}
}

func TestEventQueueUrgentFirst(t *testing.T) {
	q := newEventQueue()
	q.push(StartEvent{})
	q.push(TimerFired{Kind: timerCensus})
	q.pushUrgent(StopEvent{})

	if q.len() != 3 {
		t.Fatalf("expected 3 events, got %d", q.len())
	}
	ev, _ := q.pop()
	if _, ok := ev.(StopEvent); !ok {
		t.Fatalf("stop should be dequeued first, got %s", ev.eventName())
	}
	ev, _ = q.pop()
	if _, ok := ev.(StartEvent); !ok {
		t.Fatalf("expected start next, got %s", ev.eventName())
	}
}

func TestEventQueueSignals(t *testing.T) {
	q := newEventQueue()
	select {
	case <-q.ready():
		t.Fatal("empty queue should not signal")
	default:
	}

	done := make(chan struct{})
	go func() {
		<-q.ready()
		close(done)
	}()
	q.push(StartEvent{})
	q.push(StartEvent{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not signal")
	}
}
