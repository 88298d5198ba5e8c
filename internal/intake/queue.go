// Package intake accepts document submissions and feeds them to workers. It
// bounds the work the service takes on: a depth watermark rejects new
// submissions outright, an in-flight cap holds the rest in the queue, and
// items redelivered too many times land in the dead letter store.
package intake

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newReceiptID() string { return uuid.NewString() }

var (
	// ErrQueueFull is returned when the queue is at its high watermark.
	ErrQueueFull = errors.New("queue at high watermark")

	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Item is one queued document submission.
type Item struct {
	ID           string    `json:"id"` // receipt handle, reminted on every delivery
	DocumentID   string    `json:"document_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	ReceiveCount int       `json:"receive_count"`

	visibleAt time.Time
	inFlight  bool
}

// DeadLetterFunc receives items that exhausted their redeliveries.
type DeadLetterFunc func(item *Item)

// Queue is an in-process work queue with visibility timeouts. A dequeued
// item stays invisible until acked; if the visibility timeout lapses first
// the item is redelivered, and after maxReceives deliveries it is dead
// lettered instead.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Item
	closed bool

	watermarkHigh     int
	visibilityTimeout time.Duration
	maxReceives       int
	deadLetter        DeadLetterFunc

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewQueue creates a queue. deadLetter may be nil; exhausted items are then
// dropped.
func NewQueue(watermarkHigh int, visibilityTimeout time.Duration, maxReceives int, deadLetter DeadLetterFunc) *Queue {
	if watermarkHigh <= 0 {
		watermarkHigh = 128
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 10 * time.Minute
	}
	if maxReceives <= 0 {
		maxReceives = 3
	}

	q := &Queue{
		watermarkHigh:     watermarkHigh,
		visibilityTimeout: visibilityTimeout,
		maxReceives:       maxReceives,
		deadLetter:        deadLetter,
		sweepStop:         make(chan struct{}),
		sweepDone:         make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.sweep()
	return q
}

// Enqueue adds a document to the queue.
func (q *Queue) Enqueue(documentID string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.items) >= q.watermarkHigh {
		return nil, ErrQueueFull
	}

	item := &Item{
		ID:         newReceiptID(),
		DocumentID: documentID,
		EnqueuedAt: time.Now().UTC(),
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return item, nil
}

// Dequeue blocks until an item is available or the queue is closed. The
// returned item must be acked before its visibility timeout or it will be
// redelivered. Each delivery carries a fresh receipt; an Ack or Nack with
// a receipt from an earlier delivery of the same item is ignored.
func (q *Queue) Dequeue() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if item := q.nextVisibleLocked(); item != nil {
			item.inFlight = true
			item.ReceiveCount++
			item.ID = newReceiptID()
			item.visibleAt = time.Now().Add(q.visibilityTimeout)
			delivered := *item
			return &delivered, nil
		}
		q.cond.Wait()
	}
}

// nextVisibleLocked returns the oldest deliverable item, or nil.
func (q *Queue) nextVisibleLocked() *Item {
	for _, item := range q.items {
		if !item.inFlight {
			return item
		}
	}
	return nil
}

// Ack removes a delivered item from the queue. It reports whether the
// receipt was current; a stale receipt from a superseded delivery is a
// no-op so a slow first consumer cannot delete work a second consumer is
// processing.
func (q *Queue) Ack(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id && item.inFlight {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Nack returns a delivered item to the queue for immediate redelivery, or
// dead letters it when its receive budget is spent.
func (q *Queue) Nack(id string) {
	q.mu.Lock()
	var dead *Item
	for _, item := range q.items {
		if item.ID != id || !item.inFlight {
			continue
		}
		if item.ReceiveCount >= q.maxReceives {
			q.removeLocked(id)
			dead = item
			break
		}
		item.inFlight = false
		q.cond.Signal()
		break
	}
	q.mu.Unlock()

	if dead != nil && q.deadLetter != nil {
		q.deadLetter(dead)
	}
}

// Depth returns the number of items in the queue, in-flight included.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Blocked Dequeue calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	close(q.sweepStop)
	<-q.sweepDone
}

// sweep redelivers items whose visibility timeout lapsed without an ack.
func (q *Queue) sweep() {
	defer close(q.sweepDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var dead []*Item

		q.mu.Lock()
		kept := q.items[:0]
		for _, item := range q.items {
			if item.inFlight && !now.Before(item.visibleAt) {
				if item.ReceiveCount >= q.maxReceives {
					dead = append(dead, item)
					continue
				}
				item.inFlight = false
				q.cond.Signal()
			}
			kept = append(kept, item)
		}
		q.items = kept
		q.mu.Unlock()

		if q.deadLetter != nil {
			for _, item := range dead {
				q.deadLetter(item)
			}
		}
	}
}

// removeLocked drops an item by receipt ID. Must be called with lock held.
func (q *Queue) removeLocked(id string) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
