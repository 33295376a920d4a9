package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue keeps jobs in process. Jobs are lost on restart; it backs
// development setups and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	ready  map[string][]Job
	signal map[string]chan struct{}
	timers map[*time.Timer]struct{}
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:  map[string][]Job{},
		signal: map[string]chan struct{}{},
		timers: map[*time.Timer]struct{}{},
	}
}

func (q *MemoryQueue) signalFor(topic string) chan struct{} {
	ch, ok := q.signal[topic]
	if !ok {
		ch = make(chan struct{}, 1)
		q.signal[topic] = ch
	}
	return ch
}

func (q *MemoryQueue) wake(topic string) {
	select {
	case q.signalFor(topic) <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	job = prepare(job, time.Now())
	q.ready[job.Topic] = append(q.ready[job.Topic], job)
	q.wake(job.Topic)
	return nil
}

func (q *MemoryQueue) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	job = prepare(job, time.Now())
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = q.Enqueue(context.Background(), job)
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, topic string, wait time.Duration) (*Job, error) {
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if jobs := q.ready[topic]; len(jobs) > 0 {
			job := jobs[0]
			q.ready[topic] = jobs[1:]
			if len(jobs) > 1 {
				q.wake(topic)
			}
			q.mu.Unlock()
			return &job, nil
		}
		ch := q.signalFor(topic)
		q.mu.Unlock()

		select {
		case <-ch:
		case <-timeout.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports how many jobs are ready on topic.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[topic])
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	for _, ch := range q.signal {
		close(ch)
	}
	return nil
}
