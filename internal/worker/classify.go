package worker

import (
	"context"
	"fmt"

	"chatguard/internal/models"
)

// Classifier is the pipeline step run for Classify jobs.
type Classifier interface {
	ClassifyAndFlag(ctx context.Context, msg *models.Message) error
}

// ClassifyHandler runs Classify jobs through c and ignores every other type.
func ClassifyHandler(c Classifier) Handler {
	return HandlerFunc(func(ctx context.Context, job Job) error {
		if job.Type != Classify {
			return nil
		}
		if job.Message == nil {
			return fmt.Errorf("classify job without message")
		}
		return c.ClassifyAndFlag(ctx, job.Message)
	})
}

// Schedule submits a Classify job for msg without blocking.
func (d *Dispatcher) Schedule(msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("schedule: nil message")
	}
	return d.Submit(Job{Type: Classify, Message: msg})
}
