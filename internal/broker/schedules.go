package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"elysium-jobs/internal/models"
)

// SaveSchedule creates or replaces a recurring job definition.
func (b *Broker) SaveSchedule(ctx context.Context, s *models.Schedule) error {
	if s.ID == "" {
		return fmt.Errorf("save schedule: id is required")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", s.ID, err)
	}
	return b.do(ctx, "save_schedule", func() error {
		return b.rdb.HSet(ctx, b.keys.Schedules(), s.ID, raw).Err()
	})
}

// GetSchedule loads one schedule.
func (b *Broker) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var raw string
	err := b.do(ctx, "get_schedule", func() error {
		var err error
		raw, err = b.rdb.HGet(ctx, b.keys.Schedules(), id).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var s models.Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &s, nil
}

// ListSchedules returns every schedule sorted by ID. Unreadable entries are
// logged and skipped.
func (b *Broker) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	var all map[string]string
	err := b.do(ctx, "list_schedules", func() error {
		var err error
		all, err = b.rdb.HGetAll(ctx, b.keys.Schedules()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Schedule, 0, len(all))
	for id, raw := range all {
		var s models.Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			b.logger.Sugar().Warnw("skipping unreadable schedule", "schedule_id", id, "error", err)
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchedule removes a schedule. Jobs it already produced are unaffected.
func (b *Broker) DeleteSchedule(ctx context.Context, id string) error {
	var n int64
	err := b.do(ctx, "delete_schedule", func() error {
		var err error
		n, err = b.rdb.HDel(ctx, b.keys.Schedules(), id).Result()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimTick atomically claims the right to fire a schedule for one tick. Exactly
// one owner per (schedule, tick) gets true while the claim key lives. A claim
// already held by owner counts as won, so a retry after a lost reply still fires.
func (b *Broker) ClaimTick(ctx context.Context, scheduleID string, tick time.Time, owner string, ttl time.Duration) (bool, error) {
	key := b.keys.TickClaim(scheduleID, tick.Unix())
	var ok bool
	err := b.do(ctx, "claim_tick", func() error {
		var err error
		ok, err = b.rdb.SetNX(ctx, key, owner, ttl).Result()
		if err != nil || ok {
			return err
		}
		holder, err := b.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		ok = holder == owner
		return err
	})
	return ok, err
}
