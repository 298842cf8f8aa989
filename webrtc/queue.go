package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
)

type taskKind int

const (
	taskSignal taskKind = iota
	taskOffer
	taskRestart
	taskOfferTimeout
)

// task is one unit of work on a session. Remote signals and locally
// triggered negotiation share the queue so nothing touches the connection's
// signaling state concurrently.
type task struct {
	kind taskKind
	sig  Signal
	gen  uint64
}

func (t task) String() string {
	switch t.kind {
	case taskSignal:
		return string(t.sig.Type)
	case taskOffer:
		return "create-offer"
	case taskRestart:
		return "ice-restart"
	case taskOfferTimeout:
		return "offer-timeout"
	}
	return "unknown"
}

func (t task) isCandidate() bool {
	return t.kind == taskSignal && t.sig.Type == SignalCandidate
}

// signalQueue is a per-peer FIFO with at most one draining goroutine.
type signalQueue struct {
	peerID string
	max    int
	handle func(task) error
	onDrop func(t task, reason string)
	log    logging.LeveledLogger

	mu       sync.Mutex
	tasks    []task
	draining bool
	closed   bool
	wg       sync.WaitGroup
}

func newSignalQueue(peerID string, max int, handle func(task) error, log logging.LeveledLogger) *signalQueue {
	return &signalQueue{peerID: peerID, max: max, handle: handle, log: log}
}

func (q *signalQueue) enqueue(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSessionClosed
	}
	if q.max > 0 && len(q.tasks) >= q.max {
		i := q.oldestCandidateLocked()
		if i < 0 {
			q.dropped(t, "queue full")
			return fmt.Errorf("%w: %s for %s", ErrQueueFull, t, q.peerID)
		}
		q.dropped(q.tasks[i], "queue full, evicted")
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	}
	q.tasks = append(q.tasks, t)
	q.startLocked()
	return nil
}

func (q *signalQueue) oldestCandidateLocked() int {
	for i, t := range q.tasks {
		if t.isCandidate() {
			return i
		}
	}
	return -1
}

func (q *signalQueue) dropped(t task, reason string) {
	q.log.Warnf("[%s] dropping %s: %s", q.peerID, t, reason)
	if q.onDrop != nil {
		q.onDrop(t, reason)
	}
}

func (q *signalQueue) startLocked() {
	if q.draining || q.closed || len(q.tasks) == 0 {
		return
	}
	q.draining = true
	q.wg.Add(1)
	go q.drain()
}

// kick resumes draining if work is pending and nobody is draining.
func (q *signalQueue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *signalQueue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.tasks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(t)
	}
}

func (q *signalQueue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("[%s] %s handler panic: %v", q.peerID, t, r)
		}
	}()
	if err := q.handle(t); err != nil {
		q.log.Warnf("[%s] %s: %v", q.peerID, t, err)
	}
}

// close discards pending tasks and refuses new ones. It returns how many
// tasks were discarded. The running task, if any, completes.
func (q *signalQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.tasks)
	q.tasks = nil
	return n
}

// wait blocks until the draining goroutine exits. Never call it from a
// handler.
func (q *signalQueue) wait() {
	q.wg.Wait()
}

func (q *signalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *signalQueue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining || len(q.tasks) > 0
}
