// Package memory provides the in-process work queue between the resolver and
// the harvester pool.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/metrics"
)

// Queue errors.
var (
	ErrClosed      = errors.New("queue closed")
	ErrInputClosed = errors.New("queue input closed")
	// ErrDrained is returned by Dequeue once input is closed and nothing is
	// pending or in flight.
	ErrDrained = errors.New("queue drained")
)

type entryState int

const (
	statePending entryState = iota + 1
	stateInFlight
	stateDone
)

// Config controls the queue bounds.
type Config struct {
	// Capacity bounds the pending list seen by Enqueue.
	Capacity int
	// MaxAttempts is the number of harvests a TrackID gets before Requeue
	// refuses it.
	MaxAttempts int
}

// Queue is a bounded, de-duplicating FIFO of TrackIDs. A TrackID is never
// pending and in flight at the same time, and never handed to two
// consumers at once.
type Queue struct {
	mu          sync.Mutex
	pending     *list.List
	states      map[crawler.TrackID]entryState
	inFlight    map[crawler.TrackID]crawler.QueueEntry
	changed     chan struct{}
	capacity    int
	maxAttempts int
	inputClosed bool
	closed      bool
	clock       crawler.Clock
}

// NewQueue constructs a new queue.
func NewQueue(cfg Config, clock crawler.Clock) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	metrics.Init()
	return &Queue{
		pending:     list.New(),
		states:      make(map[crawler.TrackID]entryState),
		inFlight:    make(map[crawler.TrackID]crawler.QueueEntry),
		changed:     make(chan struct{}),
		capacity:    cfg.Capacity,
		maxAttempts: cfg.MaxAttempts,
		clock:       clock,
	}
}

// notify wakes every waiter. Callers hold mu.
func (q *Queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
	metrics.SetQueueDepth(q.pending.Len())
}

// Enqueue adds id unless it is already pending, in flight or done. It
// suspends while the pending list is at capacity. The bool reports whether
// the id was added.
func (q *Queue) Enqueue(ctx context.Context, id crawler.TrackID, lookup crawler.Lookup) (bool, error) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return false, ErrClosed
		case q.inputClosed:
			q.mu.Unlock()
			return false, ErrInputClosed
		}
		if _, seen := q.states[id]; seen {
			q.mu.Unlock()
			return false, nil
		}
		if q.pending.Len() < q.capacity {
			entry := crawler.QueueEntry{TrackID: id, Lookup: lookup}
			if q.clock != nil {
				entry.EnqueuedAt = q.clock.Now()
			}
			q.pending.PushBack(entry)
			q.states[id] = statePending
			q.notify()
			q.mu.Unlock()
			return true, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Dequeue pops the oldest pending entry and marks it in flight. It blocks
// while the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueEntry, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.QueueEntry{}, ErrClosed
		}
		if front := q.pending.Front(); front != nil {
			entry, _ := q.pending.Remove(front).(crawler.QueueEntry)
			q.states[entry.TrackID] = stateInFlight
			q.inFlight[entry.TrackID] = entry
			q.notify()
			q.mu.Unlock()
			return entry, nil
		}
		if q.inputClosed && len(q.inFlight) == 0 {
			q.mu.Unlock()
			return crawler.QueueEntry{}, ErrDrained
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.QueueEntry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Requeue puts an in-flight entry back at the tail with its attempt count
// incremented. It returns false, leaving the entry in flight, when the
// attempt budget is spent; the caller must then record a terminal result
// and call Complete. Requeue ignores capacity so that consumers can never
// block on the producer.
func (q *Queue) Requeue(entry crawler.QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[entry.TrackID] != stateInFlight {
		return false
	}
	if entry.Attempt+1 >= q.maxAttempts {
		return false
	}
	entry.Attempt++
	delete(q.inFlight, entry.TrackID)
	q.states[entry.TrackID] = statePending
	q.pending.PushBack(entry)
	q.notify()
	return true
}

// Release returns an in-flight entry to the head of the queue without
// consuming an attempt. It is used when a harvest is interrupted by
// shutdown.
func (q *Queue) Release(entry crawler.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[entry.TrackID] != stateInFlight {
		return
	}
	delete(q.inFlight, entry.TrackID)
	q.states[entry.TrackID] = statePending
	q.pending.PushFront(entry)
	q.notify()
}

// Complete marks an in-flight TrackID as done. Done IDs are never
// enqueued again.
func (q *Queue) Complete(id crawler.TrackID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
	q.states[id] = stateDone
	q.notify()
}

// MarkDone records ids harvested by earlier sessions.
func (q *Queue) MarkDone(ids ...crawler.TrackID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if _, seen := q.states[id]; !seen {
			q.states[id] = stateDone
		}
	}
}

// CloseInput rejects further Enqueue calls. Dequeue keeps serving pending
// entries and then reports ErrDrained.
func (q *Queue) CloseInput() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inputClosed {
		return
	}
	q.inputClosed = true
	q.notify()
}

// Close stops every blocked and future Enqueue and Dequeue. Pending and
// in-flight entries stay available to Snapshot.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlight returns the number of entries handed to consumers and not yet
// completed, requeued or released.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
