package worker

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"
)

type authorQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to a pool of workers without ever blocking the
// submitter. Jobs wait in per-author queues that are served round robin,
// so one author flooding the channel cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake; Submit never blocks on it
	handler  Handler
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[string]*authorQueue // job queue for each author
	ready     *list.List              // round robin order of authors
	positions map[string]*list.Element
	pending   int
	maxPend   int
	dropped   int

	closeMu  sync.RWMutex
	closed   bool
	quit     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDispatcher(cfg Config, handler Handler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		JobQueue:  make(chan Job, cfg.QueueSize),
		handler:   handler,
		logger:    logger,
		queues:    make(map[string]*authorQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		maxPend:   cfg.QueueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.runJob, logger)

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		d.drainIntake()
		if d.dispatchOne() {
			continue
		}
		// nothing ready: wait for the next job
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		}
	}
}

// drainIntake moves intake jobs into the author queues while there is room.
func (d *Dispatcher) drainIntake() {
	for {
		d.mu.Lock()
		full := d.pending >= d.maxPend
		d.mu.Unlock()
		if full {
			return
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	author := job.authorKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[author]
	if q == nil {
		q = &authorQueue{}
		d.queues[author] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		// author already waiting for a turn
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(author)
	d.positions[author] = elem
}

// dispatchOne takes the next job of the author at the front of the ready
// list and blocks until a worker accepts it.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	author := elem.Value.(string)
	q := d.queues[author]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, author)
		delete(d.queues, author)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.drop()
		return false
	}
	debugLog(d.logger, "dispatch job", zap.String("author", author), zap.Stringer("type", job.Type))
	d.inflight.Add(1)
	if !d.pool.send(workerChan, job) {
		d.inflight.Done()
		d.drop()
		return false
	}
	return true
}

func (d *Dispatcher) drop() {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
}

func (d *Dispatcher) runJob(job Job) {
	defer d.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", zap.Any("panic", r), zap.Stringer("type", job.Type))
		}
	}()
	if d.handler == nil {
		return
	}
	if err := d.handler.Handle(d.ctx, job); err != nil {
		fields := []zap.Field{zap.Stringer("type", job.Type), zap.Error(err)}
		if job.Message != nil {
			fields = append(fields, zap.Int64("message_id", job.Message.ID))
		}
		d.logger.Error("job failed", fields...)
	}
}

// Pending returns the number of accepted jobs not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending + len(d.JobQueue)
}

// Workers returns the number of live workers.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

// Shutdown stops intake, lets in-flight jobs finish (or cancels them when
// ctx ends first) and stops every worker. Jobs still queued are dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.quit)
	d.closeMu.Unlock()

	// stop dispatching before waiting on in-flight jobs
	d.pool.drain()
	<-d.done

	finished := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-finished
	}
	d.pool.close()
	d.pool.wait()
	d.cancel()

	d.mu.Lock()
	dropped := d.dropped + d.pending + len(d.JobQueue)
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.Warn("dispatcher stopped with queued jobs", zap.Int("dropped", dropped))
	}
	return err
}
