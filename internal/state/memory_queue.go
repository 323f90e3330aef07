package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/mlbill/internal/observability"
)

// MemoryQueue is an in-process queue with the same at-least-once semantics
// the Redis backend provides: claims carry a visibility timeout, unacked
// claims become deliverable again, and repeated error nacks dead-letter
// the message.
type MemoryQueue struct {
	mu            sync.Mutex
	items         []TaskRef
	inflight      map[string]QueueClaim
	nacks         map[string]int
	dead          []TaskRef
	counter       uint64
	deadLetterMax int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:         make([]TaskRef, 0, 128),
		inflight:      make(map[string]QueueClaim),
		nacks:         make(map[string]int),
		dead:          make([]TaskRef, 0, 16),
		deadLetterMax: 5,
	}
}

func (q *MemoryQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "memory"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *MemoryQueue) Enqueue(_ context.Context, ref TaskRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ref)
	observability.Default.IncCounter("queue_enqueued_total", q.labels(nil), 1)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		ref := q.items[0]
		q.items = q.items[1:]
		q.counter++
		claim := QueueClaim{
			Ref:       ref,
			Receipt:   fmt.Sprintf("mem:%s:%d", consumer, q.counter),
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: now.Add(visibilityTimeout),
		}
		q.inflight[claim.Receipt] = claim
		out = append(out, claim)
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"consumer": consumer}), float64(len(out)))
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, claims []QueueClaim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		if _, ok := q.inflight[c.Receipt]; !ok {
			continue
		}
		delete(q.inflight, c.Receipt)
		delete(q.nacks, c.Ref.TaskID)
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"consumer": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, claims []QueueClaim, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		inflight, ok := q.inflight[c.Receipt]
		if !ok {
			continue
		}
		delete(q.inflight, c.Receipt)
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"reason": reason}), 1)
		if reason == "error" {
			q.nacks[inflight.Ref.TaskID]++
			if q.nacks[inflight.Ref.TaskID] >= q.deadLetterMax {
				q.dead = append(q.dead, inflight.Ref)
				delete(q.nacks, inflight.Ref.TaskID)
				observability.Default.SetGauge("queue_dead_letter_count", q.labels(nil), float64(len(q.dead)))
				continue
			}
		}
		q.items = append(q.items, inflight.Ref)
	}
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, claim := range q.inflight {
		if max > 0 && moved >= max {
			break
		}
		if claim.VisibleAt.After(now) {
			continue
		}
		q.items = append(q.items, claim.Ref)
		delete(q.inflight, receipt)
		moved++
	}
	if moved > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(moved))
	}
	return moved, nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]TaskRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]TaskRef, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetters(_ context.Context, refs []TaskRef) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(refs) == 0 {
		return 0, nil
	}
	target := make(map[string]int, len(refs))
	for _, r := range refs {
		target[r.TaskID]++
	}
	kept := make([]TaskRef, 0, len(q.dead))
	requeued := 0
	for _, r := range q.dead {
		if target[r.TaskID] > 0 {
			q.items = append(q.items, r)
			target[r.TaskID]--
			requeued++
			continue
		}
		kept = append(kept, r)
	}
	q.dead = kept
	observability.Default.SetGauge("queue_dead_letter_count", q.labels(nil), float64(len(q.dead)))
	return requeued, nil
}
