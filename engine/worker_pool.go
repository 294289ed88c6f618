package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// idlePoll bounds how long an idle worker waits before looking for work
// again. Buffers freed by another job do not wake it otherwise.
const idlePoll = 50 * time.Millisecond

// Task is a transfer driven by work-pulling workers. *Controller and
// *TrackedController implement it.
type Task interface {
	HasWork() bool
	HasWriterWork() bool
	DoWork(ctx context.Context) (bool, error)
	Done() bool
	Err() error
	Changes() <-chan struct{}
}

// TaskHandler is called exactly once for every task that ends.
type TaskHandler func(Task, error)

// WorkerPool manages a dynamic set of workers sharing the steps of all
// submitted tasks.
type WorkerPool struct {
	onDone TaskHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	tasks       []Task
	wake        chan struct{}
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
}

// NewWorkerPool creates a pool with no workers. onDone may be nil.
func NewWorkerPool(ctx context.Context, onDone TaskHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		onDone:  onDone,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}),
		workers: make(map[int]chan struct{}),
	}
}

// Submit adds a task to the pool.
func (p *WorkerPool) Submit(t Task) {
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	p.signal()
}

// Len returns the number of tasks not yet over.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(quit chan struct{}) {
		defer p.wg.Done()
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			wake := p.wakeChan()
			t := p.pick()
			if t == nil {
				select {
				case <-quit:
					return
				case <-p.ctx.Done():
					return
				case <-wake:
				case <-time.After(idlePoll):
				}
				continue
			}

			finished, err := t.DoWork(p.ctx)
			if finished {
				p.retire(t, err)
			}
			p.signal()
		}
	}(quitChan)
}

func (p *WorkerPool) removeWorker() {
	// Find arbitrary worker to decommission
	for id, quit := range p.workers {
		close(quit) // Signal the worker to exit gracefully when it finishes current step
		delete(p.workers, id)
		p.workerCount--
		return // Remove only one
	}
}

// pick prefers tasks whose writer can drain staged chunks.
func (p *WorkerPool) pick() Task {
	p.mu.Lock()
	tasks := slices.Clone(p.tasks)
	p.mu.Unlock()

	for _, t := range tasks {
		if t.HasWriterWork() {
			return t
		}
	}
	for _, t := range tasks {
		if t.HasWork() {
			return t
		}
	}
	return nil
}

func (p *WorkerPool) retire(t Task, err error) {
	p.mu.Lock()
	i := slices.Index(p.tasks, t)
	if i < 0 {
		p.mu.Unlock()
		return
	}
	p.tasks = slices.Delete(p.tasks, i, i+1)
	p.mu.Unlock()

	if p.onDone != nil {
		p.onDone(t, err)
	}
}

func (p *WorkerPool) wakeChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *WorkerPool) signal() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// Stop initiates termination of all workers and waits for them to exit.
// Steps already running see a cancelled context.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Run drives t with the given number of workers until it finishes, fails or
// ctx ends, and returns the task's first error.
func Run(ctx context.Context, t Task, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if t.Done() {
					return t.Err()
				}

				changed := t.Changes()
				if !t.HasWork() {
					select {
					case <-gctx.Done():
						// Let the task record why it stopped.
						_, err := t.DoWork(gctx)
						return err
					case <-changed:
					case <-time.After(idlePoll):
					}
					continue
				}

				finished, err := t.DoWork(gctx)
				if err != nil || finished {
					return err
				}
			}
		})
	}
	return g.Wait()
}
