package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/config"
	"elysium-jobs/internal/models"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.New(rdb, broker.WithRetry(broker.RetryConfig{MaxAttempts: 1}))
}

func killOne(t *testing.T, b *broker.Broker, payload []byte) string {
	t.Helper()
	ctx := context.Background()
	j := &models.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        "SendEmail",
		Queue:       "email",
		Payload:     payload,
		MaxAttempts: 1,
		Timeout:     time.Minute,
	}
	require.NoError(t, b.Enqueue(ctx, j))
	held, err := b.ReserveNext(ctx, []string{"email"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Kill(ctx, held, "smtp rejected"))
	return j.ID
}

type recorded struct {
	jobID, location string
}

type fakeRecorder struct {
	got []recorded
}

func (f *fakeRecorder) RecordArchive(_ context.Context, jobID, _, _, location string) error {
	f.got = append(f.got, recorded{jobID, location})
	return nil
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestArchiveWritesDocumentsAndPurges(t *testing.T) {
	b := newBroker(t)
	payload, err := codec.Encode("SendEmail", codec.Args{"to": "a@b.com"})
	require.NoError(t, err)
	ids := []string{killOne(t, b, payload), killOne(t, b, payload), killOne(t, b, []byte("garbage"))}

	dir := t.TempDir()
	rec := &fakeRecorder{}
	a := New(b, &LocalUploader{BaseDir: dir}, rec, nil)
	a.now = func() time.Time { return time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC) }

	res, err := a.Archive(context.Background(), "email", 10, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Archived)
	assert.Equal(t, 3, res.Purged)
	require.Len(t, rec.got, 3)

	for i, id := range ids {
		path := filepath.Join(dir, "dead-letters", "email", "2026", "07", "01", id+".json")
		assert.Equal(t, path, res.Locations[i])
		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var doc Document
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.Equal(t, id, doc.Job.ID)
		assert.Equal(t, "smtp rejected", doc.Job.LastError)
		if i < 2 {
			assert.Equal(t, "a@b.com", doc.Args["to"])
			assert.Empty(t, doc.DecodeError)
		} else {
			assert.NotEmpty(t, doc.DecodeError)
		}
	}

	left, err := b.ListDead(context.Background(), "email", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestArchiveWithoutPurgeKeepsEntriesAndHonorsLimit(t *testing.T) {
	b := newBroker(t)
	for i := 0; i < 3; i++ {
		killOne(t, b, []byte("x"))
	}
	a := New(b, &LocalUploader{BaseDir: t.TempDir()}, nil, nil)

	res, err := a.Archive(context.Background(), "email", 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, 0, res.Purged)

	left, err := b.ListDead(context.Background(), "email", 0, 10)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestArchiveStopsOnUploadFailure(t *testing.T) {
	b := newBroker(t)
	killOne(t, b, []byte("x"))
	a := New(b, failingUploader{}, nil, nil)

	res, err := a.Archive(context.Background(), "email", 10, true)
	assert.Error(t, err)
	assert.Equal(t, 0, res.Purged)

	left, err := b.ListDead(context.Background(), "email", 0, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "a/b.json", sanitizeKey("../../a/b.json"))
	assert.Equal(t, "a/b.json", sanitizeKey("/a/./b.json"))
}

func TestNewUploaderDefaultsToLocal(t *testing.T) {
	up, err := NewUploader(context.Background(), config.Config{ArchiveDir: "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, &LocalUploader{BaseDir: "/tmp/x"}, up)
}
