package worker

import (
	"sort"
	"sync"

	"elysium-jobs/internal/queue"
)

// limiter enforces the per-queue and per-type concurrency caps of one pool.
// Counts are local to the process; caps are not coordinated across pools.
type limiter struct {
	mu        sync.Mutex
	order     []string
	queueCaps map[string]int
	typeCaps  map[string]int
	queueUsed map[string]int
	typeUsed  map[string]int
}

func newLimiter(queues []queue.Config, typeCaps map[string]int) *limiter {
	l := &limiter{
		order:     queue.Names(queues),
		queueCaps: make(map[string]int, len(queues)),
		typeCaps:  typeCaps,
		queueUsed: make(map[string]int),
		typeUsed:  make(map[string]int),
	}
	if l.typeCaps == nil {
		l.typeCaps = map[string]int{}
	}
	for _, q := range queues {
		if q.Concurrency > 0 {
			l.queueCaps[q.Name] = q.Concurrency
		}
	}
	return l
}

// eligible lists the queues that still have room, in configured order.
func (l *limiter) eligible() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.order))
	for _, name := range l.order {
		if c, ok := l.queueCaps[name]; ok && l.queueUsed[name] >= c {
			continue
		}
		out = append(out, name)
	}
	return out
}

// saturated lists the job types at their cap, so reservation can pass over them.
func (l *limiter) saturated() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for name, c := range l.typeCaps {
		if l.typeUsed[name] >= c {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// acquire takes a queue and a type slot, or neither.
func (l *limiter) acquire(queueName, jobType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.queueCaps[queueName]; ok && l.queueUsed[queueName] >= c {
		return false
	}
	if c, ok := l.typeCaps[jobType]; ok && l.typeUsed[jobType] >= c {
		return false
	}
	l.queueUsed[queueName]++
	l.typeUsed[jobType]++
	return true
}

func (l *limiter) release(queueName, jobType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queueUsed[queueName] > 0 {
		l.queueUsed[queueName]--
	}
	if l.typeUsed[jobType] > 0 {
		l.typeUsed[jobType]--
	}
}
