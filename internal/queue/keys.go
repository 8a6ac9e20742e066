// Package queue holds the queue naming and ordering policy: which Redis keys a queue
// occupies and how ready jobs are ranked inside and across queues.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultName is used when a job or queue config names no queue.
const DefaultName = "default"

// Priorities outside [MinPriority, MaxPriority] are rejected so that Rank stays exact.
const (
	MinPriority = -1000
	MaxPriority = 1000
)

// RankStride separates priority bands in a rank. Sequence numbers are taken
// modulo RankStride; (MaxPriority+1)*RankStride stays under 2^53 so every rank
// is an exact float64.
const RankStride = 1 << 42

var (
	// ErrInvalidName is returned for names that cannot be used as queue names.
	ErrInvalidName = errors.New("invalid queue name")
	// ErrInvalidPriority is returned for priorities outside [MinPriority, MaxPriority].
	ErrInvalidPriority = errors.New("priority out of range")
)

// Set names one of the per-queue sorted sets.
type Set string

const (
	SetReady     Set = "ready"
	SetDelayed   Set = "delayed"
	SetReserved  Set = "reserved"
	SetSucceeded Set = "succeeded"
	SetDead      Set = "dead"
	SetCancelled Set = "cancelled"
)

// Sets lists every per-queue set in lifecycle order.
var Sets = []Set{SetReady, SetDelayed, SetReserved, SetSucceeded, SetDead, SetCancelled}

// Keyspace computes broker keys under a common prefix.
type Keyspace struct {
	Prefix string
}

// NewKeyspace returns a keyspace rooted at prefix ("elysium" when empty).
func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = "elysium"
	}
	return Keyspace{Prefix: strings.TrimSuffix(prefix, ":")}
}

// JobPrefix is prepended to a job ID to form its hash key.
func (k Keyspace) JobPrefix() string {
	return k.Prefix + ":job:"
}

// Job returns the hash key holding a job record.
func (k Keyspace) Job(id string) string {
	return k.JobPrefix() + id
}

// Queue returns the key of one of a queue's sets.
func (k Keyspace) Queue(name string, set Set) string {
	return fmt.Sprintf("%s:q:%s:%s", k.Prefix, name, set)
}

// Queues is the set of every queue name ever enqueued to.
func (k Keyspace) Queues() string {
	return k.Prefix + ":queues"
}

// Paused is the set of paused queue names.
func (k Keyspace) Paused() string {
	return k.Prefix + ":paused"
}

// Schedules is the hash of recurring job definitions keyed by schedule ID.
func (k Keyspace) Schedules() string {
	return k.Prefix + ":schedules"
}

// Seq is the counter that numbers jobs in enqueue order.
func (k Keyspace) Seq() string {
	return k.Prefix + ":seq"
}

// RateLimit is the hash holding a producer's token bucket.
func (k Keyspace) RateLimit(bucket string) string {
	return k.Prefix + ":rl:" + bucket
}

// TickClaim is the key a dispatcher must create to fire a schedule at tick (unix seconds).
func (k Keyspace) TickClaim(scheduleID string, tick int64) string {
	return k.Prefix + ":cron:" + scheduleID + ":" + strconv.FormatInt(tick, 10)
}

// Rank is a ready job's score: lower ranks are served first. Higher priorities
// map to lower bands and, inside a band, the enqueue sequence number decides, so
// equal priorities are served FIFO whatever the job IDs look like.
func Rank(priority int, seq int64) float64 {
	return float64(-priority)*RankStride + float64(seq%RankStride)
}

// ValidPriority reports whether p can be ranked.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// ValidName reports whether name can be used as a queue name.
func ValidName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
