package executor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work handed to a Pool.
type Job func(ctx context.Context) error

// Pool runs jobs with bounded concurrency. A failing job never cancels
// the others; all errors are joined.
type Pool struct {
	workers int
}

// NewPool creates a Pool running at most workers jobs at once.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Run executes jobs and waits for all of them.
func (p *Pool) Run(ctx context.Context, jobs []Job) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(p.workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := job(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
