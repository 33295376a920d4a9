// Package queue carries background jobs (webhook deliveries, notification
// emails) from request handlers to a bounded pool of workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue closed")

// Job is one unit of background work. Attempt starts at 1 and grows with
// every redelivery.
type Job struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob encodes payload into a first attempt job for topic.
func NewJob(topic string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: uuid.NewString(), Topic: topic, Attempt: 1, Payload: raw}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Next is the redelivery of j.
func (j Job) Next() Job {
	j.Attempt++
	return j
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAfter makes job visible to Dequeue once delay has passed.
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue waits up to wait for a job on topic. It returns nil, nil when
	// nothing arrived in time.
	Dequeue(ctx context.Context, topic string, wait time.Duration) (*Job, error)
	Close() error
}

func prepare(job Job, now time.Time) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	return job
}
