// Package broker is the Redis-backed store and dispatcher of job records.
//
// Every state change that touches more than one key runs as a Lua script so that
// reservation, completion, release and reclamation are atomic. Ready jobs live in
// one sorted set per queue scored by queue.Rank: priority first, then a sequence
// number drawn at enqueue, so equal-priority jobs come out in enqueue order.
//
// The scripts compute job keys from a prefix argument, so the broker targets a
// standalone or sentinel-managed Redis rather than Redis Cluster.
package broker

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"elysium-jobs/internal/config"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

var (
	// ErrTransient wraps failures that persisted through every broker retry.
	ErrTransient = errors.New("transient broker error")
	// ErrLeaseConflict means the caller no longer holds the job's lease.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrNotFound means no job (or schedule) exists under the given ID.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate means a job with the same ID was already enqueued.
	ErrDuplicate = errors.New("job already exists")
)

//go:embed scripts/*.lua
var scriptFS embed.FS

var (
	enqueueScript     = loadScript("enqueue")
	reserveScript     = loadScript("reserve")
	markRunningScript = loadScript("mark_running")
	extendLeaseScript = loadScript("extend_lease")
	finishScript      = loadScript("finish")
	releaseScript     = loadScript("release")
	unreserveScript   = loadScript("unreserve")
	promoteScript     = loadScript("promote")
	reclaimScript     = loadScript("reclaim")
	cancelScript      = loadScript("cancel")
	requeueDeadScript = loadScript("requeue_dead")
	purgeDeadScript   = loadScript("purge_dead")
)

func loadScript(name string) *redis.Script {
	src, err := scriptFS.ReadFile("scripts/" + name + ".lua")
	if err != nil {
		panic(fmt.Sprintf("broker: missing script %s: %v", name, err))
	}
	return redis.NewScript(string(src))
}

// Broker coordinates job records and queue sets in Redis.
type Broker struct {
	rdb    redis.UniversalClient
	keys   queue.Keyspace
	retry  RetryConfig
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a Broker.
type Option func(*Broker)

// WithKeyspace sets the key prefix.
func WithKeyspace(ks queue.Keyspace) Option {
	return func(b *Broker) { b.keys = ks }
}

// WithRetry sets the transient-failure retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(b *Broker) { b.retry = cfg }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		rdb:    rdb,
		keys:   queue.NewKeyspace(""),
		retry:  DefaultRetryConfig(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromConfig dials Redis using the process configuration.
func NewFromConfig(cfg config.Config, logger *zap.Logger) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client,
		WithKeyspace(queue.NewKeyspace(cfg.KeyPrefix)),
		WithRetry(RetryConfig{
			MaxAttempts:       cfg.BrokerRetryAttempts,
			InitialBackoff:    cfg.BrokerRetryInitial,
			MaxBackoff:        cfg.BrokerRetryMax,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		}),
		WithLogger(logger),
	)
}

// Keys exposes the keyspace the broker writes to.
func (b *Broker) Keys() queue.Keyspace { return b.keys }

// Client exposes the underlying Redis client.
func (b *Broker) Client() redis.UniversalClient { return b.rdb }

// Close releases the Redis connection pool.
func (b *Broker) Close() error { return b.rdb.Close() }

// Ping checks connectivity once, without retrying.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Now returns the broker clock truncated to the stored precision.
func (b *Broker) Now() time.Time {
	return b.now().Truncate(time.Millisecond).UTC()
}

func (b *Broker) do(ctx context.Context, op string, fn func() error) error {
	return retryWithBackoff(ctx, b.retry, op, fn)
}

// evalOnce runs a script without retrying. Used where a retry after a lost reply
// would repeat a side effect the first run already had.
func (b *Broker) evalOnce(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, b.rdb, keys, args...).Result()
	if err != nil && isTransient(err) {
		return nil, fmt.Errorf("broker %s: %w: %w", op, ErrTransient, err)
	}
	return res, err
}

func (b *Broker) eval(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	var res interface{}
	err := b.do(ctx, op, func() error {
		var err error
		res, err = script.Run(ctx, b.rdb, keys, args...).Result()
		return err
	})
	return res, err
}

// Enqueue stores a new job. Jobs whose AvailableAt lies in the future wait in the
// delayed set as scheduled; the rest are immediately pending. On success j.State,
// j.EnqueuedAt and j.AvailableAt reflect what was stored.
func (b *Broker) Enqueue(ctx context.Context, j *models.Job) error {
	if j.ID == "" || j.Type == "" {
		return fmt.Errorf("enqueue: job id and type are required")
	}
	if j.Queue == "" {
		j.Queue = queue.DefaultName
	}
	if !queue.ValidName(j.Queue) {
		return fmt.Errorf("enqueue: %w: %q", queue.ErrInvalidName, j.Queue)
	}
	if !queue.ValidPriority(j.Priority) {
		return fmt.Errorf("enqueue: %w: %d", queue.ErrInvalidPriority, j.Priority)
	}
	now := b.Now()
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	j.EnqueuedAt = j.EnqueuedAt.Truncate(time.Millisecond).UTC()
	if j.AvailableAt.Before(j.EnqueuedAt) {
		j.AvailableAt = j.EnqueuedAt
	}
	j.AvailableAt = j.AvailableAt.Truncate(time.Millisecond).UTC()
	j.Attempt = 0

	keys := []string{
		b.keys.Job(j.ID),
		b.keys.Queue(j.Queue, queue.SetReady),
		b.keys.Queue(j.Queue, queue.SetDelayed),
		b.keys.Queues(),
		b.keys.Seq(),
	}
	args := append([]interface{}{j.ID, j.Queue, millis(now), millis(j.AvailableAt), rankBase(j.Priority), strconv.FormatInt(queue.RankStride, 10)}, jobFields(j)...)
	res, err := b.eval(ctx, "enqueue", enqueueScript, keys, args...)
	if err != nil {
		return err
	}
	state, _ := res.(string)
	if state == "exists" {
		return fmt.Errorf("enqueue %s: %w", j.ID, ErrDuplicate)
	}
	j.State = models.State(state)
	return nil
}

// reserveScanDepth bounds how far into a ready set reservation looks for a job
// whose type is not skipped.
const reserveScanDepth = 64

// ReserveNext leases the best ready job across the given queues: highest priority
// first, then oldest. Paused queues are skipped, and so are jobs whose type is in
// skipTypes. It returns (nil, nil) when nothing is ready. The attempt counter is
// incremented as part of the reservation.
//
// Reservation is not retried: a retry after a lost reply would lease a second job
// while the first sits reserved with nobody running it.
//
// A record that cannot be parsed is still reserved and returned together with an
// error wrapping ErrCorruptRecord so the caller can dead-letter it.
func (b *Broker) ReserveNext(ctx context.Context, queues []string, lease time.Duration, skipTypes ...string) (*models.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, 2*len(queues)+1)
	for _, q := range queues {
		keys = append(keys, b.keys.Queue(q, queue.SetReady), b.keys.Queue(q, queue.SetReserved))
	}
	keys = append(keys, b.keys.Paused())

	for {
		now := b.Now()
		token := uuid.NewString()
		args := make([]interface{}, 0, 5+len(queues)+len(skipTypes))
		args = append(args, millis(now), millis(now.Add(lease)), token, b.keys.JobPrefix(), reserveScanDepth)
		for _, q := range queues {
			args = append(args, q)
		}
		for _, t := range skipTypes {
			args = append(args, t)
		}
		res, err := b.evalOnce(ctx, "reserve", reserveScript, keys, args...)
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		reply, ok := res.([]interface{})
		if !ok || len(reply) != 3 {
			return nil, fmt.Errorf("reserve: unexpected reply %T", res)
		}
		id, _ := reply[0].(string)
		queueName, _ := reply[1].(string)
		fields, err := pairsToMap(reply[2])
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		if len(fields) == 0 {
			b.logger.Warn("dropped ready entry without job record", zap.String("job_id", id), zap.String("queue", queueName))
			continue
		}
		j, perr := parseJob(fields)
		if j.ID == "" {
			j.ID = id
		}
		if j.Queue == "" {
			j.Queue = queueName
		}
		j.Lease = token
		return j, perr
	}
}

// MarkRunning records that execution of a reserved job has started.
func (b *Broker) MarkRunning(ctx context.Context, j *models.Job) error {
	now := b.Now()
	res, err := b.eval(ctx, "mark_running", markRunningScript, []string{b.keys.Job(j.ID)}, j.Lease, millis(now))
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("mark running %s: %w", j.ID, ErrLeaseConflict)
	}
	j.State = models.StateRunning
	j.StartedAt = now
	return nil
}

// ExtendLease pushes the lease deadline of a held job to now+lease.
func (b *Broker) ExtendLease(ctx context.Context, j *models.Job, lease time.Duration) error {
	until := b.Now().Add(lease)
	keys := []string{b.keys.Job(j.ID), b.keys.Queue(j.Queue, queue.SetReserved)}
	res, err := b.eval(ctx, "extend_lease", extendLeaseScript, keys, j.Lease, millis(until), j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("extend lease %s: %w", j.ID, ErrLeaseConflict)
	}
	j.LeaseUntil = until
	return nil
}

// Ack completes a held job successfully.
func (b *Broker) Ack(ctx context.Context, j *models.Job) error {
	if err := b.finish(ctx, "ack", j, queue.SetSucceeded, models.StateSucceeded, "clear", ""); err != nil {
		return err
	}
	j.LastError = ""
	return nil
}

// Kill moves a held job to the dead-letter set.
func (b *Broker) Kill(ctx context.Context, j *models.Job, reason string) error {
	if err := b.finish(ctx, "kill", j, queue.SetDead, models.StateDead, "set", reason); err != nil {
		return err
	}
	j.LastError = reason
	return nil
}

// CancelRunning ends a held job as cancelled. The last recorded error is kept.
func (b *Broker) CancelRunning(ctx context.Context, j *models.Job) error {
	return b.finish(ctx, "cancel_running", j, queue.SetCancelled, models.StateCancelled, "keep", "")
}

func (b *Broker) finish(ctx context.Context, op string, j *models.Job, set queue.Set, state models.State, errMode, msg string) error {
	now := b.Now()
	keys := []string{
		b.keys.Job(j.ID),
		b.keys.Queue(j.Queue, queue.SetReserved),
		b.keys.Queue(j.Queue, set),
	}
	res, err := b.eval(ctx, op, finishScript, keys, j.Lease, millis(now), j.ID, string(state), errMode, msg)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("%s %s: %w", op, j.ID, ErrLeaseConflict)
	}
	j.State = state
	j.CompletedAt = now
	j.Lease = ""
	j.LeaseUntil = time.Time{}
	return nil
}

// Release gives a failed job back for another attempt no earlier than availableAt.
// The stored availableAt never moves backwards. The returned state is pending or
// retrying, or cancelled when a cancellation was requested while the job was held.
func (b *Broker) Release(ctx context.Context, j *models.Job, availableAt time.Time, lastErr string) (models.State, error) {
	now := b.Now()
	keys := []string{
		b.keys.Job(j.ID),
		b.keys.Queue(j.Queue, queue.SetReserved),
		b.keys.Queue(j.Queue, queue.SetReady),
		b.keys.Queue(j.Queue, queue.SetDelayed),
		b.keys.Queue(j.Queue, queue.SetCancelled),
	}
	args := []interface{}{j.Lease, millis(now), j.ID, millis(availableAt.Truncate(time.Millisecond)), lastErr}
	res, err := b.eval(ctx, "release", releaseScript, keys, args...)
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("release %s: %w", j.ID, ErrLeaseConflict)
	}
	if err != nil {
		return "", err
	}
	state := models.State(fmt.Sprint(res))
	j.State = state
	j.LastError = lastErr
	j.Lease = ""
	j.LeaseUntil = time.Time{}
	if state == models.StateCancelled {
		j.CompletedAt = now
	} else if availableAt.After(j.AvailableAt) {
		j.AvailableAt = availableAt.Truncate(time.Millisecond).UTC()
	}
	return state, nil
}

// Unreserve hands a held job back without consuming the attempt it was reserved with.
func (b *Broker) Unreserve(ctx context.Context, j *models.Job) error {
	keys := []string{
		b.keys.Job(j.ID),
		b.keys.Queue(j.Queue, queue.SetReserved),
		b.keys.Queue(j.Queue, queue.SetReady),
	}
	res, err := b.eval(ctx, "unreserve", unreserveScript, keys, j.Lease, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("unreserve %s: %w", j.ID, ErrLeaseConflict)
	}
	j.State = models.StatePending
	j.Attempt--
	j.Lease = ""
	j.LeaseUntil = time.Time{}
	return nil
}

// PromoteDelayed moves up to limit due jobs from the delayed set into the ready set.
func (b *Broker) PromoteDelayed(ctx context.Context, queueName string, limit int) (int, error) {
	keys := []string{b.keys.Queue(queueName, queue.SetDelayed), b.keys.Queue(queueName, queue.SetReady)}
	res, err := b.eval(ctx, "promote", promoteScript, keys, millis(b.Now()), strconv.Itoa(limit), b.keys.JobPrefix())
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// Reclaimed reports what happened to a job whose lease expired.
type Reclaimed struct {
	ID    string
	State models.State
}

// ReclaimExpired returns jobs whose lease deadline passed to the ready set without
// touching their attempt counter. A job that was on its final attempt goes dead
// instead, and one with a pending cancellation is cancelled.
func (b *Broker) ReclaimExpired(ctx context.Context, queueName string, limit int) ([]Reclaimed, error) {
	keys := []string{
		b.keys.Queue(queueName, queue.SetReserved),
		b.keys.Queue(queueName, queue.SetReady),
		b.keys.Queue(queueName, queue.SetCancelled),
		b.keys.Queue(queueName, queue.SetDead),
	}
	res, err := b.eval(ctx, "reclaim", reclaimScript, keys, millis(b.Now()), strconv.Itoa(limit), b.keys.JobPrefix())
	if err != nil {
		return nil, err
	}
	list, _ := res.([]interface{})
	out := make([]Reclaimed, 0, len(list)/2)
	for i := 0; i+1 < len(list); i += 2 {
		id, _ := list[i].(string)
		state, _ := list[i+1].(string)
		out = append(out, Reclaimed{ID: id, State: models.State(state)})
	}
	return out, nil
}

// CancelOutcome describes the effect of Cancel.
type CancelOutcome string

const (
	// CancelDone means the job was cancelled before it ran.
	CancelDone CancelOutcome = "cancelled"
	// CancelRequested means the job is held by a worker and will be cancelled
	// when that worker releases it or its lease expires.
	CancelRequested CancelOutcome = "requested"
	// CancelTooLate means the job already reached a terminal state.
	CancelTooLate CancelOutcome = "terminal"
)

// Cancel cancels a job by ID.
func (b *Broker) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	queueName, err := b.jobQueue(ctx, id)
	if err != nil {
		return "", err
	}
	keys := []string{
		b.keys.Job(id),
		b.keys.Queue(queueName, queue.SetReady),
		b.keys.Queue(queueName, queue.SetDelayed),
		b.keys.Queue(queueName, queue.SetCancelled),
	}
	res, err := b.eval(ctx, "cancel", cancelScript, keys, id, millis(b.Now()))
	if err != nil {
		return "", err
	}
	out := fmt.Sprint(res)
	if out == "not_found" {
		return "", fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	return CancelOutcome(out), nil
}

// Get loads a job record.
func (b *Broker) Get(ctx context.Context, id string) (*models.Job, error) {
	var fields map[string]string
	err := b.do(ctx, "get", func() error {
		var err error
		fields, err = b.rdb.HGetAll(ctx, b.keys.Job(id)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return parseJob(fields)
}

func (b *Broker) jobQueue(ctx context.Context, id string) (string, error) {
	var name string
	err := b.do(ctx, "get", func() error {
		var err error
		name, err = b.rdb.HGet(ctx, b.keys.Job(id), fieldQueue).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return name, err
}
