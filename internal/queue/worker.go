package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Handlers schedule their own retries; an error
// is only logged.
type Handler func(ctx context.Context, job Job) error

const (
	pollWait   = 2 * time.Second
	errorPause = time.Second
)

// Run consumes topic with the given number of workers until ctx ends or the
// queue closes.
func Run(ctx context.Context, q Queue, topic string, workers int, handle Handler, log zerolog.Logger) error {
	if workers < 1 {
		workers = 1
	}
	log = log.With().Str("topic", topic).Logger()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				job, err := q.Dequeue(ctx, topic, pollWait)
				switch {
				case errors.Is(err, ErrClosed), ctx.Err() != nil:
					return nil
				case err != nil:
					log.Warn().Err(err).Int("worker", worker).Msg("dequeue failed")
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(errorPause):
					}
					continue
				case job == nil:
					continue
				}
				if err := handle(ctx, *job); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempt).Msg("job failed")
				}
			}
		})
	}
	return g.Wait()
}
