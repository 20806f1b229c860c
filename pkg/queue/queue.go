package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
)

// ErrQueueFull is returned by bounded drivers when no slot is free.
var ErrQueueFull = errors.New("dispatch queue is full")

// Job asks a worker to dispatch one uploaded document.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	OwnerID    string    `json:"ownerId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewJob builds a job for a document.
func NewJob(documentID, ownerID string) (Job, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Job{}, errors.New("documentId required")
	}
	return Job{
		ID:         util.NewID(),
		DocumentID: documentID,
		OwnerID:    strings.TrimSpace(ownerID),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one job. Outcomes are recorded by the handler itself,
// so a delivered job is always acknowledged.
type Handler func(context.Context, Job)

// Queue transports dispatch jobs from the API to workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume runs concurrency consumers until ctx is done and returns once
	// every in-flight handler has finished.
	Consume(ctx context.Context, concurrency int, handler Handler) error
	Close() error
}

// encodeJob is the wire form shared by the broker drivers.
func encodeJob(job Job) ([]byte, error) {
	if strings.TrimSpace(job.DocumentID) == "" {
		return nil, errors.New("documentId required")
	}
	return json.Marshal(job)
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" || job.DocumentID == "" {
		return Job{}, errors.New("decode job: id and documentId required")
	}
	return job, nil
}
