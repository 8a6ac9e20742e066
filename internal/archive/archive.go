// Package archive exports dead-lettered jobs as JSON documents, to S3 or a local
// directory, optionally purging them from the broker afterwards. Nothing is
// archived or purged automatically; this is an operator action.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/models"
)

// DeadLetters is the broker surface the archiver reads and purges.
type DeadLetters interface {
	ListDead(ctx context.Context, queueName string, offset, limit int) ([]*models.Job, error)
	PurgeDead(ctx context.Context, queueName, id string) error
}

// Recorder notes where a job was archived, such as the Postgres audit store.
type Recorder interface {
	RecordArchive(ctx context.Context, jobID, queue, jobType, location string) error
}

// Document is the archived form of a dead job.
type Document struct {
	Job         *models.Job `json:"job"`
	Args        codec.Args  `json:"args,omitempty"`
	DecodeError string      `json:"decode_error,omitempty"`
	ArchivedAt  time.Time   `json:"archived_at"`
}

// Result summarizes an Archive run.
type Result struct {
	Archived  int      `json:"archived"`
	Purged    int      `json:"purged"`
	Locations []string `json:"locations"`
}

// Archiver exports dead-letter entries.
type Archiver struct {
	dead     DeadLetters
	uploader Uploader
	recorder Recorder
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an archiver. recorder and logger may be nil.
func New(dead DeadLetters, uploader Uploader, recorder Recorder, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		dead:     dead,
		uploader: uploader,
		recorder: recorder,
		prefix:   "dead-letters",
		logger:   logger,
		now:      time.Now,
	}
}

const pageSize = 100

// Archive exports up to limit dead jobs of a queue, oldest first. With purge set,
// each job is removed from the broker once its document is stored; a job whose
// upload fails is left in place.
func (a *Archiver) Archive(ctx context.Context, queueName string, limit int, purge bool) (Result, error) {
	res := Result{Locations: []string{}}
	offset := 0
	for res.Archived < limit {
		n := pageSize
		if rest := limit - res.Archived; rest < n {
			n = rest
		}
		page, err := a.dead.ListDead(ctx, queueName, offset, n)
		if err != nil {
			return res, fmt.Errorf("list dead letters: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, j := range page {
			loc, err := a.ArchiveJob(ctx, j)
			if err != nil {
				return res, err
			}
			res.Archived++
			res.Locations = append(res.Locations, loc)
			if !purge {
				offset++
				continue
			}
			if err := a.dead.PurgeDead(ctx, queueName, j.ID); err != nil {
				a.logger.Warn("purge after archive failed", zap.String("job_id", j.ID), zap.Error(err))
				offset++
				continue
			}
			res.Purged++
		}
		if len(page) < n {
			break
		}
	}
	a.logger.Info("dead letters archived",
		zap.String("queue", queueName), zap.Int("archived", res.Archived), zap.Int("purged", res.Purged))
	return res, nil
}

// ArchiveJob stores one job's document and returns its location.
func (a *Archiver) ArchiveJob(ctx context.Context, j *models.Job) (string, error) {
	at := a.now().UTC()
	doc := Document{Job: j, ArchivedAt: at}
	if _, args, err := codec.Decode(j.Payload); err != nil {
		doc.DecodeError = err.Error()
	} else {
		doc.Args = args
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive document %s: %w", j.ID, err)
	}

	key := path.Join(a.prefix, j.Queue, at.Format("2006/01/02"), j.ID+".json")
	loc, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", j.ID, err)
	}
	if a.recorder != nil {
		if err := a.recorder.RecordArchive(ctx, j.ID, j.Queue, j.Type, loc); err != nil {
			a.logger.Warn("recording archive location failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return loc, nil
}
