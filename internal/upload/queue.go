package upload

import (
	"slices"
	"sync"
	"time"
)

// workQueue is a FIFO of absolute paths shared by every worker.
type workQueue struct {
	mu    sync.Mutex
	items []string

	// notify holds a token while the queue may be non-empty.
	notify chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{notify: make(chan struct{}, 1)}
}

func (q *workQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends p unless it is already waiting. The check is a snapshot:
// a worker may dequeue p right after it, so duplicates can still slip
// through under concurrency.
func (q *workQueue) push(p string) bool {
	q.mu.Lock()

	if slices.Contains(q.items, p) {
		q.mu.Unlock()
		return false
	}

	q.items = append(q.items, p)
	q.mu.Unlock()

	q.signal()

	return true
}

// pushFront returns a dequeued p to the head of the queue unless it is
// already waiting.
func (q *workQueue) pushFront(p string) {
	q.mu.Lock()

	if !slices.Contains(q.items, p) {
		q.items = slices.Insert(q.items, 0, p)
	}

	q.mu.Unlock()

	q.signal()
}

// pop waits up to timeout for an item. It returns false on timeout or
// when stop is closed.
func (q *workQueue) pop(stop <-chan struct{}, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()

		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			// Pass the token on so another idle worker wakes up.
			if more {
				q.signal()
			}

			return p, true
		}

		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return "", false
		case <-timer.C:
			return "", false
		}
	}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// pauseGate blocks workers between dequeue and processing while paused.
type pauseGate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (g *pauseGate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return false
	}

	g.paused = true
	g.resumed = make(chan struct{})

	return true
}

func (g *pauseGate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return false
	}

	g.paused = false
	close(g.resumed)

	return true
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

// wait returns true once the gate is open, or false if stop closes
// first.
func (g *pauseGate) wait(stop <-chan struct{}) bool {
	g.mu.Lock()

	if !g.paused {
		g.mu.Unlock()
		return true
	}

	ch := g.resumed
	g.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-stop:
		return false
	}
}
