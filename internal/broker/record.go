package broker

import (
	"fmt"
	"strconv"
	"time"

	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

// Job hash fields.
const (
	fieldID              = "id"
	fieldType            = "type"
	fieldQueue           = "queue"
	fieldPriority        = "priority"
	fieldPayload         = "payload"
	fieldState           = "state"
	fieldAttempt         = "attempt"
	fieldMaxAttempts     = "max_attempts"
	fieldTimeout         = "timeout_ms"
	fieldEnqueuedAt      = "enqueued_at"
	fieldAvailableAt     = "available_at"
	fieldReservedAt      = "reserved_at"
	fieldStartedAt       = "started_at"
	fieldCompletedAt     = "completed_at"
	fieldLastError       = "last_error"
	fieldLease           = "lease"
	fieldLeaseUntil      = "lease_until"
	fieldCancelRequested = "cancel_requested"
)

// ErrCorruptRecord is returned when a stored job hash cannot be turned back into a job.
var ErrCorruptRecord = fmt.Errorf("%w: corrupt job record", codec.ErrSerialization)

// jobFields flattens the immutable part of a job into HSET arguments.
func jobFields(j *models.Job) []interface{} {
	return []interface{}{
		fieldID, j.ID,
		fieldType, j.Type,
		fieldQueue, j.Queue,
		fieldPriority, strconv.Itoa(j.Priority),
		fieldPayload, j.Payload,
		fieldAttempt, "0",
		fieldMaxAttempts, strconv.Itoa(j.MaxAttempts),
		fieldTimeout, strconv.FormatInt(j.Timeout.Milliseconds(), 10),
		fieldEnqueuedAt, millis(j.EnqueuedAt),
		fieldAvailableAt, millis(j.AvailableAt),
	}
}

// parseJob rebuilds a job from its hash. On error the returned job still carries
// every field that could be read so the caller can dispose of it.
func parseJob(m map[string]string) (*models.Job, error) {
	j := &models.Job{
		ID:              m[fieldID],
		Type:            m[fieldType],
		Queue:           m[fieldQueue],
		Payload:         []byte(m[fieldPayload]),
		State:           models.State(m[fieldState]),
		LastError:       m[fieldLastError],
		Lease:           m[fieldLease],
		CancelRequested: m[fieldCancelRequested] == "1",
	}
	var firstErr error
	fail := func(field string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: job %s field %s: %v", ErrCorruptRecord, j.ID, field, err)
		}
	}
	ints := map[string]*int{
		fieldPriority:    &j.Priority,
		fieldAttempt:     &j.Attempt,
		fieldMaxAttempts: &j.MaxAttempts,
	}
	for field, dst := range ints {
		v, err := atoi(m[field])
		if err != nil {
			fail(field, err)
			continue
		}
		*dst = v
	}
	timeoutMs, err := atoi64(m[fieldTimeout])
	if err != nil {
		fail(fieldTimeout, err)
	}
	j.Timeout = time.Duration(timeoutMs) * time.Millisecond

	times := map[string]*time.Time{
		fieldEnqueuedAt:  &j.EnqueuedAt,
		fieldAvailableAt: &j.AvailableAt,
		fieldReservedAt:  &j.ReservedAt,
		fieldStartedAt:   &j.StartedAt,
		fieldCompletedAt: &j.CompletedAt,
		fieldLeaseUntil:  &j.LeaseUntil,
	}
	for field, dst := range times {
		t, err := parseMillis(m[field])
		if err != nil {
			fail(field, err)
			continue
		}
		*dst = t
	}

	switch {
	case j.ID == "":
		fail(fieldID, fmt.Errorf("missing"))
	case j.Type == "":
		fail(fieldType, fmt.Errorf("missing"))
	case j.Queue == "":
		fail(fieldQueue, fmt.Errorf("missing"))
	case !j.State.Valid():
		fail(fieldState, fmt.Errorf("unknown state %q", j.State))
	}
	return j, firstErr
}

// pairsToMap converts a flat HGETALL reply from a script into a map.
func pairsToMap(raw interface{}) (map[string]string, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected hash reply %T", raw)
	}
	if len(list)%2 != 0 {
		return nil, fmt.Errorf("odd hash reply length %d", len(list))
	}
	m := make(map[string]string, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		k, _ := list[i].(string)
		v, _ := list[i+1].(string)
		m[k] = v
	}
	return m, nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func atoi64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// rankBase renders the rank of a priority's first sequence number as a script argument.
func rankBase(priority int) string {
	return strconv.FormatFloat(queue.Rank(priority, 0), 'f', -1, 64)
}
