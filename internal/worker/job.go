package worker

import (
	"context"
	"errors"
	"time"

	"chatguard/internal/models"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrDispatcherClosed is returned by Submit after Shutdown.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type JobType int

const (
	Classify JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Classify:
		return "classify"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Job is one unit of background work.
type Job struct {
	Type    JobType
	Message *models.Message
}

func (job Job) authorKey() string {
	if job.Message == nil {
		return ""
	}
	return job.Message.Author
}

// Handler runs jobs on pool workers.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}
