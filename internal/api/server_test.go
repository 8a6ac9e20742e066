package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/engine"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
	"elysium-jobs/internal/ratelimit"
)

type fixture struct {
	srv    *httptest.Server
	engine *engine.Engine
	broker *broker.Broker
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T, limiter func(redis.UniversalClient) *ratelimit.TokenBucket) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := broker.New(rdb, broker.WithRetry(broker.RetryConfig{MaxAttempts: 1}))
	e := engine.New(b, jobs.NewRegistry(jobs.Defaults{}), nil, nil)
	var lim *ratelimit.TokenBucket
	if limiter != nil {
		lim = limiter(rdb)
	}
	arch := archive.New(b, &archive.LocalUploader{BaseDir: t.TempDir()}, nil, nil)

	srv := httptest.NewServer(New(e, lim, arch, nil).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: e, broker: b, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// deadJob pushes a job straight to the dead-letter set.
func (f *fixture) deadJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	j, err := f.engine.Enqueue(ctx, "SendEmail", nil, engine.WithQueue("email"), engine.WithMaxAttempts(1))
	require.NoError(t, err)
	held, err := f.broker.ReserveNext(ctx, []string{"email"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.broker.Kill(ctx, held, "boom"))
	return j
}

func TestEnqueueAndGet(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"type":          "SendEmail",
		"args":          map[string]any{"to": "a@b.com"},
		"queue":         "email",
		"priority":      5,
		"delay_seconds": 60,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "scheduled", body["state"])

	resp, body = f.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "email", body["queue"])
	assert.EqualValues(t, 5, body["priority"])

	resp, _ = f.do(t, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/jobs", map[string]any{"args": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail", "queue": "bad queue"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail", "priority": 5000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail", "id": "once"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail", "id": "once"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnqueueRateLimited(t *testing.T) {
	f := newFixture(t, func(rdb redis.UniversalClient) *ratelimit.TokenBucket {
		return ratelimit.NewTokenBucket(rdb, queue.NewKeyspace("test"), 1, 0.001, time.Minute)
	})

	resp, _ := f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "SendEmail"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	j, err := f.engine.Enqueue(context.Background(), "SendEmail", nil)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/jobs/"+j.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/schedules", map[string]any{"type": "Digest", "expr": "whenever"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/schedules", map[string]any{
		"id":   "digest",
		"type": "Digest",
		"expr": "0 3 * * *",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "digest", body["id"])

	resp, body = f.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, _ = f.do(t, http.MethodDelete, "/schedules/digest", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/schedules/digest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueuesAndPause(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Enqueue(context.Background(), "SendEmail", nil, engine.WithQueue("email"))
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/queues/email/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	d := items[0].(map[string]any)
	assert.Equal(t, "email", d["queue"])
	assert.EqualValues(t, 1, d["ready"])
	assert.Equal(t, true, d["paused"])

	resp, _ = f.do(t, http.MethodPost, "/queues/email/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeadLetterOperations(t *testing.T) {
	f := newFixture(t, nil)
	first := f.deadJob(t)
	second := f.deadJob(t)

	resp, body := f.do(t, http.MethodGet, "/queues/email/dead", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 2)

	resp, _ = f.do(t, http.MethodPost, "/queues/email/dead/"+first.ID+"/requeue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := f.broker.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)

	resp, _ = f.do(t, http.MethodDelete, "/queues/email/dead/"+second.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/queues/email/dead/"+second.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.deadJob(t)

	resp, body := f.do(t, http.MethodPost, "/queues/email/dead/archive?purge=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["archived"])
	assert.EqualValues(t, 1, body["purged"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.mr.Close()
	resp, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type fakeHistory struct {
	evs []events.Event
}

func (f fakeHistory) JobHistory(_ context.Context, jobID string, limit int) ([]events.Event, error) {
	var out []events.Event
	for _, e := range f.evs {
		if e.JobID == jobID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestJobHistory(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/jobs/j1/history", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	hist := fakeHistory{evs: []events.Event{
		{Type: events.Enqueued, JobID: "j1"},
		{Type: events.Started, JobID: "j1", Attempt: 1},
		{Type: events.Enqueued, JobID: "j2"},
	}}
	srv := httptest.NewServer(New(f.engine, nil, nil, nil).WithHistory(hist).Router())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/jobs/j1/history?limit=5")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got []events.Event
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, events.Started, got[1].Type)

	res2, err := http.Get(srv.URL + "/jobs/nope/history")
	require.NoError(t, err)
	defer res2.Body.Close()
	var empty []events.Event
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
