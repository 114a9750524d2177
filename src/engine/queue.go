package engine

import "time"

type timedItem[T any] struct {
	value     T
	remaining time.Duration
}

// timedQueue counts down simulated time for parked items. Items keep their arrival order.
type timedQueue[T any] struct {
	items []timedItem[T]
}

func (q *timedQueue[T]) push(value T, d time.Duration) {
	q.items = append(q.items, timedItem[T]{value: value, remaining: d})
}

// advance subtracts delta from every item and returns the ones that ran out.
func (q *timedQueue[T]) advance(delta time.Duration) []T {
	if delta <= 0 || len(q.items) == 0 {
		return nil
	}
	var due []T
	kept := q.items[:0]
	for _, it := range q.items {
		it.remaining -= delta
		if it.remaining <= 0 {
			due = append(due, it.value)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return due
}

func (q *timedQueue[T]) remove(match func(T) bool) {
	kept := q.items[:0]
	for _, it := range q.items {
		if !match(it.value) {
			kept = append(kept, it)
		}
	}
	q.items = kept
}

func (q *timedQueue[T]) len() int {
	return len(q.items)
}

func (q *timedQueue[T]) clear() {
	q.items = nil
}

type deadline struct {
	transactionID int64
	at            time.Time
}

// deadlineQueue holds absolute expiry times, so orders registered before the
// clock started still expire once it passes them.
type deadlineQueue struct {
	items []deadline
}

func (q *deadlineQueue) push(transactionID int64, at time.Time) {
	q.items = append(q.items, deadline{transactionID: transactionID, at: at})
}

// due removes and returns every transaction whose deadline is at or before now.
func (q *deadlineQueue) due(now time.Time) []int64 {
	if now.IsZero() || len(q.items) == 0 {
		return nil
	}
	var ids []int64
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.at.After(now) {
			ids = append(ids, it.transactionID)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return ids
}

func (q *deadlineQueue) remove(transactionID int64) {
	kept := q.items[:0]
	for _, it := range q.items {
		if it.transactionID != transactionID {
			kept = append(kept, it)
		}
	}
	q.items = kept
}

func (q *deadlineQueue) clear() {
	q.items = nil
}
