// Package dispatcher manages the harvester pool fan-out over the work queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/worker"
)

// Runner is one member of the pool.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher over already-built workers.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger.Named("dispatcher")}
}

// NewPool builds size workers with build and returns a Dispatcher over them.
func NewPool(size int, build func(id int) *worker.Worker, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	workers := make([]Runner, 0, size)
	for i := range size {
		workers = append(workers, build(i))
	}
	return New(workers, logger)
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one of them has returned,
// which happens once the queue drains or ctx is canceled and in-flight
// harvests are finished or released.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting harvester pool", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	d.logger.Info("harvester pool stopped")
}
