package matcher

import (
	"sync"
	"time"
)

// LocalQueue 共享存储不可用时的单进程等待池，只在降级模式下使用
type LocalQueue struct {
	mu         sync.Mutex
	pools      map[Preference][]Entry
	where      map[string]Preference
	staleAfter time.Duration
}

func NewLocalQueue(staleAfter time.Duration) *LocalQueue {
	return &LocalQueue{
		pools:      make(map[Preference][]Entry),
		where:      make(map[string]Preference),
		staleAfter: staleAfter,
	}
}

// MatchOrEnqueue 与共享脚本同一套规则：先移除自己，再在兼容分区里取最早入队者
func (q *LocalQueue) MatchOrEnqueue(e Entry, now time.Time) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(e.UserID)
	q.sweepLocked(now)

	var (
		best  Entry
		found bool
	)
	for _, p := range Partitions(e.Preference) {
		pool := q.pools[p]
		if len(pool) == 0 {
			continue
		}
		if !found || pool[0].EnqueuedAt.Before(best.EnqueuedAt) {
			best, found = pool[0], true
		}
	}
	if found {
		q.removeLocked(best.UserID)
		return best, true
	}

	q.pools[e.Preference] = append(q.pools[e.Preference], e)
	q.where[e.UserID] = e.Preference
	return Entry{}, false
}

func (q *LocalQueue) Leave(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(userID)
}

func (q *LocalQueue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sweepLocked(now)
}

func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.where)
}

func (q *LocalQueue) removeLocked(userID string) bool {
	p, ok := q.where[userID]
	if !ok {
		return false
	}
	delete(q.where, userID)
	pool := q.pools[p]
	for i := range pool {
		if pool[i].UserID == userID {
			q.pools[p] = append(pool[:i:i], pool[i+1:]...)
			break
		}
	}
	return true
}

// 池内按入队时间有序，只需从头裁剪
func (q *LocalQueue) sweepLocked(now time.Time) int {
	if q.staleAfter <= 0 {
		return 0
	}
	cutoff := now.Add(-q.staleAfter)
	n := 0
	for p, pool := range q.pools {
		i := 0
		for i < len(pool) && pool[i].EnqueuedAt.Before(cutoff) {
			delete(q.where, pool[i].UserID)
			i++
		}
		if i > 0 {
			q.pools[p] = append([]Entry(nil), pool[i:]...)
			n += i
		}
	}
	return n
}
