package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type workerMeta struct {
	id        int
	ch        chan Job
	quit      chan struct{}
	lastUsed  time.Time
	starting  bool // spawned, not yet idle
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	starting int
	nextID   int
	expiry   time.Duration
	closed   bool
	draining bool // no new acquisitions
	stop     chan struct{}
	alive    sync.WaitGroup

	handle func(Job)
	logger *zap.Logger
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, handle func(Job), logger *zap.Logger) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		stop:     make(chan struct{}),
		handle:   handle,
		logger:   logger,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// newWorkerLocked registers a worker; the caller starts it after unlocking.
func (p *jobChannelPool) newWorkerLocked() *Worker {
	p.nextID++
	worker := NewWorker(p.nextID, p)
	p.metadata[worker.jobChannel] = &workerMeta{
		id:       worker.id,
		ch:       worker.jobChannel,
		quit:     worker.quit,
		starting: true,
	}
	p.running++
	p.starting++
	p.alive.Add(1)
	return worker
}

// spawnWorker add a new worker, used for warm up
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
}

// acquire get an idle worker, or spawn a new one. It returns nil once the
// pool is closed.
func (p *jobChannelPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed || p.draining {
			return nil
		}
		// get an idle worker
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch
		}
		// nobody idle and nobody on the way: grow
		if p.starting == 0 && p.running < p.max {
			worker := p.newWorkerLocked()
			p.mu.Unlock()
			worker.Start()
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
}

// Release add an idle worker into the pool. It reports false when the
// worker should exit instead.
func (p *jobChannelPool) Release(ch chan Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || p.closed {
		p.mu.Unlock()
		return false
	}
	if meta.starting {
		meta.starting = false
		p.starting--
	}
	if meta.enqueued {
		p.mu.Unlock()
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire delete a worker
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if meta.starting {
			p.starting--
		}
		if p.running > 0 {
			p.running--
		}
		p.alive.Done()
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked check if pool has an idle worker, then return
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// send hands job to an acquired worker. It reports false when the pool
// closed first.
func (p *jobChannelPool) send(ch chan Job, job Job) bool {
	select {
	case ch <- job:
		return true
	case <-p.stop:
		return false
	}
}

// size returns the number of live workers.
func (p *jobChannelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// drain makes pending and future acquire calls return nil.
func (p *jobChannelPool) drain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// close stops every worker once its current job is done.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	quits := make([]chan struct{}, 0, len(p.metadata))
	for _, meta := range p.metadata {
		quits = append(quits, meta.quit)
	}
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	for _, q := range quits {
		close(q)
	}
}

// wait blocks until every worker goroutine has exited.
func (p *jobChannelPool) wait() {
	p.alive.Wait()
}

// purgeStaleWorkers call shutdownExpired when expiry time comes
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.stop:
			return
		}
	}
}

// shutdownExpired retire all the expired worker above the minimum
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta) // into the stale array, will delete
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		debugLog(p.logger, "retire idle worker", zap.Int("worker", meta.id))
		select {
		case meta.ch <- Job{Type: Stop}:
		case <-meta.quit:
		}
	}
}
