package restoration

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs restoration jobs on a bounded number of workers
type Pool struct {
	workers int
}

// NewPool creates a pool. workers < 1 uses one worker per CPU.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the number of jobs run at once
func (p *Pool) Workers() int { return p.workers }

// Run processes every job and waits for all of them. Results are returned in job
// order. The first failure cancels the context of the remaining jobs, which stop
// between batches, and is returned without any results. Volumes saved by jobs
// that finished before the failure stay on disk.
func (p *Pool) Run(ctx context.Context, r *Restorer, jobs []Job) ([]*Result, error) {
	results := make([]*Result, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.Process(ctx, job)
			if err != nil {
				return fmt.Errorf("job %d (%s): %w", i+1, job.Input, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
