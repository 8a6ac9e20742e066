package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

// Depth counts a queue's jobs per set.
type Depth struct {
	Queue     string `json:"queue"`
	Ready     int64  `json:"ready"`
	Delayed   int64  `json:"delayed"`
	Reserved  int64  `json:"reserved"`
	Succeeded int64  `json:"succeeded"`
	Dead      int64  `json:"dead"`
	Cancelled int64  `json:"cancelled"`
	Paused    bool   `json:"paused"`
}

// Queues lists every queue that has ever received a job, sorted by name.
func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	var names []string
	err := b.do(ctx, "queues", func() error {
		var err error
		names, err = b.rdb.SMembers(ctx, b.keys.Queues()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Depth reports the size of each of a queue's sets.
func (b *Broker) Depth(ctx context.Context, queueName string) (Depth, error) {
	d := Depth{Queue: queueName}
	err := b.do(ctx, "depth", func() error {
		pipe := b.rdb.Pipeline()
		counts := make(map[queue.Set]*redis.IntCmd, len(queue.Sets))
		for _, set := range queue.Sets {
			counts[set] = pipe.ZCard(ctx, b.keys.Queue(queueName, set))
		}
		paused := pipe.SIsMember(ctx, b.keys.Paused(), queueName)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		d.Ready = counts[queue.SetReady].Val()
		d.Delayed = counts[queue.SetDelayed].Val()
		d.Reserved = counts[queue.SetReserved].Val()
		d.Succeeded = counts[queue.SetSucceeded].Val()
		d.Dead = counts[queue.SetDead].Val()
		d.Cancelled = counts[queue.SetCancelled].Val()
		d.Paused = paused.Val()
		return nil
	})
	return d, err
}

// List returns jobs from one of a queue's sets in score order. Records that
// vanished between the range and the fetch are skipped.
func (b *Broker) List(ctx context.Context, queueName string, set queue.Set, offset, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := b.do(ctx, "list", func() error {
		var err error
		ids, err = b.rdb.ZRange(ctx, b.keys.Queue(queueName, set), int64(offset), int64(offset+limit-1)).Result()
		return err
	})
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	var cmds []*redis.MapStringStringCmd
	err = b.do(ctx, "list", func() error {
		pipe := b.rdb.Pipeline()
		cmds = make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.keys.Job(id))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, perr := parseJob(fields)
		if perr != nil {
			b.logger.Sugar().Warnw("listing corrupt job record", "job_id", ids[i], "error", perr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListDead returns dead-lettered jobs, oldest first.
func (b *Broker) ListDead(ctx context.Context, queueName string, offset, limit int) ([]*models.Job, error) {
	return b.List(ctx, queueName, queue.SetDead, offset, limit)
}

// RequeueDead moves a dead job back to ready with a fresh attempt budget. It keeps
// the rank it was enqueued with.
func (b *Broker) RequeueDead(ctx context.Context, queueName, id string) error {
	j, err := b.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return err
	}
	if j.Queue != queueName {
		return fmt.Errorf("requeue %s: %w in queue %s", id, ErrNotFound, queueName)
	}
	keys := []string{b.keys.Job(id), b.keys.Queue(queueName, queue.SetDead), b.keys.Queue(queueName, queue.SetReady)}
	res, err := b.eval(ctx, "requeue_dead", requeueDeadScript, keys, id, millis(b.Now()))
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("requeue %s: %w in dead set of %s", id, ErrNotFound, queueName)
	}
	return nil
}

// PurgeDead deletes a dead job and its record.
func (b *Broker) PurgeDead(ctx context.Context, queueName, id string) error {
	keys := []string{b.keys.Job(id), b.keys.Queue(queueName, queue.SetDead)}
	res, err := b.eval(ctx, "purge_dead", purgeDeadScript, keys, id)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("purge %s: %w in dead set of %s", id, ErrNotFound, queueName)
	}
	return nil
}

// Pause stops reservations from a queue. Enqueueing continues.
func (b *Broker) Pause(ctx context.Context, queueName string) error {
	return b.do(ctx, "pause", func() error {
		return b.rdb.SAdd(ctx, b.keys.Paused(), queueName).Err()
	})
}

// Resume re-enables reservations from a queue.
func (b *Broker) Resume(ctx context.Context, queueName string) error {
	return b.do(ctx, "resume", func() error {
		return b.rdb.SRem(ctx, b.keys.Paused(), queueName).Err()
	})
}

// PruneTerminal deletes up to limit succeeded and cancelled jobs per set that
// completed before cutoff. Dead jobs are kept for inspection.
func (b *Broker) PruneTerminal(ctx context.Context, queueName string, cutoff time.Time, limit int) (int, error) {
	total := 0
	for _, set := range []queue.Set{queue.SetSucceeded, queue.SetCancelled} {
		setKey := b.keys.Queue(queueName, set)
		var ids []string
		err := b.do(ctx, "prune", func() error {
			var err error
			ids, err = b.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
				Count: int64(limit),
			}).Result()
			return err
		})
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}
		err = b.do(ctx, "prune", func() error {
			pipe := b.rdb.TxPipeline()
			for _, id := range ids {
				pipe.ZRem(ctx, setKey, id)
				pipe.Del(ctx, b.keys.Job(id))
			}
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, nil
}
