package worker

import "go.uber.org/zap"

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

// Start registers the worker as idle and serves jobs until it is stopped.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		if !w.pool.Release(w.jobChannel) {
			return
		}
		for {
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					debugLog(w.pool.logger, "worker stop", zap.Int("worker", w.id))
					return
				}
				debugLog(w.pool.logger, "worker run", zap.Int("worker", w.id), zap.Stringer("type", job.Type))
				w.pool.handle(job)
				if !w.pool.Release(w.jobChannel) {
					return
				}
			case <-w.quit:
				return
			}
		}
	}()
}
