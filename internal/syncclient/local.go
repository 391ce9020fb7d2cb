package syncclient

import (
	"context"

	"chatguard/internal/models"
)

// WindowReader reads the newest messages of a channel, oldest first.
type WindowReader interface {
	ListMessages(ctx context.Context, channel string, limit int) ([]*models.Message, error)
}

// Submitter ingests a message.
type Submitter interface {
	Submit(ctx context.Context, author, content, channel string) (*models.Message, error)
}

// LocalSource serves a client from the in-process store and ingestor.
type LocalSource struct {
	reader    WindowReader
	submitter Submitter
}

func NewLocalSource(reader WindowReader, submitter Submitter) *LocalSource {
	return &LocalSource{reader: reader, submitter: submitter}
}

func (s *LocalSource) Fetch(ctx context.Context, channel string, limit int) ([]*models.Message, error) {
	return s.reader.ListMessages(ctx, channel, limit)
}

func (s *LocalSource) Send(ctx context.Context, author, content, channel string) (*models.Message, error) {
	return s.submitter.Submit(ctx, author, content, channel)
}
