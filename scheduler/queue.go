package scheduler

import (
	"sync"
	"time"

	"github.com/tcmofashi/MaiMBot/types"
)

// item is one queue entry. enqueuedAt is when this push happened and feeds
// the queue-wait metric; aging anchors on req.firstEnqueuedAt instead so a
// retried entry keeps accumulating age. notBefore delays dispatch of retried
// entries.
type item struct {
	req        *Request
	enqueuedAt time.Time
	notBefore  time.Time
	tier       Priority
}

// tier holds per-scope FIFO sub-queues served round-robin. order carries the
// scope keys in rotation; next is the rotation cursor.
type tier struct {
	scopes map[string][]*item
	order  []string
	next   int
}

func newTier() *tier {
	return &tier{scopes: make(map[string][]*item)}
}

func (t *tier) push(key string, it *item) {
	if _, ok := t.scopes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.scopes[key] = append(t.scopes[key], it)
}

// removeScope drops an emptied scope key and keeps the cursor pointing at
// the key that followed it.
func (t *tier) removeScope(idx int) {
	key := t.order[idx]
	delete(t.scopes, key)
	t.order = append(t.order[:idx], t.order[idx+1:]...)
	if len(t.order) == 0 {
		t.next = 0
	} else if t.next > idx {
		t.next--
	} else {
		t.next %= len(t.order)
	}
}

// queue is a bounded multi-tier priority queue. Within a tier, scopes are
// served round-robin and each scope is strict FIFO. Entries age upward one
// tier per full aging interval spent unserved.
type queue struct {
	mu       sync.Mutex
	tiers    [numPriorities]*tier
	size     int
	capacity int
	aging    time.Duration
}

func newQueue(capacity int, aging time.Duration) *queue {
	q := &queue{capacity: capacity, aging: aging}
	for i := range q.tiers {
		q.tiers[i] = newTier()
	}
	return q
}

// push enqueues req at its priority tier. delay holds the entry back from
// dispatch, used for retry backoff. Fails when the queue is at capacity.
func (q *queue) push(req *Request, delay time.Duration, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size >= q.capacity {
		return types.NewErrorf(types.ErrQueueFull, "queue at capacity %d", q.capacity).
			WithTenant(req.Scope.TenantID)
	}
	if req.firstEnqueuedAt.IsZero() {
		req.firstEnqueuedAt = now
	}
	it := &item{req: req, enqueuedAt: now, notBefore: now.Add(delay), tier: req.Priority}
	q.tiers[req.Priority].push(req.Scope.ScopeKey(), it)
	q.size++
	return nil
}

// promoteAged moves entries that waited at least one full aging interval per
// step up to their effective tier. Only scope heads need checking: FIFO order
// means the head is always the oldest entry of its scope.
func (q *queue) promoteAged(now time.Time) {
	if q.aging <= 0 {
		return
	}
	for p := PriorityHigh; p >= PriorityLow; p-- {
		t := q.tiers[p]
		for idx := 0; idx < len(t.order); {
			key := t.order[idx]
			promoted := false
			for len(t.scopes[key]) > 0 {
				head := t.scopes[key][0]
				target := head.req.Priority + Priority(now.Sub(head.req.firstEnqueuedAt)/q.aging)
				if target > PriorityUrgent {
					target = PriorityUrgent
				}
				if target <= head.tier {
					break
				}
				t.scopes[key] = t.scopes[key][1:]
				head.tier = target
				q.tiers[target].push(key, head)
				promoted = true
			}
			if promoted && len(t.scopes[key]) == 0 {
				t.removeScope(idx)
				continue
			}
			idx++
		}
	}
}

// pop returns the next dispatchable entry, or nil when nothing is ready.
// Entries whose notBefore lies in the future leave their scope parked for
// this round without blocking other scopes.
func (q *queue) pop(now time.Time) *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteAged(now)
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		t := q.tiers[p]
		n := len(t.order)
		for i := 0; i < n; i++ {
			idx := (t.next + i) % n
			key := t.order[idx]
			fifo := t.scopes[key]
			if len(fifo) == 0 {
				continue
			}
			head := fifo[0]
			if head.notBefore.After(now) {
				continue
			}
			t.scopes[key] = fifo[1:]
			if len(t.scopes[key]) == 0 {
				t.removeScope(idx)
			} else {
				t.next = (idx + 1) % n
			}
			q.size--
			return head
		}
	}
	return nil
}

// len returns the number of queued entries.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// depths returns the entry count per current tier.
func (q *queue) depths() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Priority]int, numPriorities)
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		n := 0
		for _, fifo := range q.tiers[p].scopes {
			n += len(fifo)
		}
		out[p] = n
	}
	return out
}
