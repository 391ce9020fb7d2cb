package moderation

import (
	"context"
	"strings"

	"chatguard/internal/models"
	"chatguard/internal/monitoring"

	"go.uber.org/zap"
)

// IngestStore is the part of the store the ingestion service writes to.
type IngestStore interface {
	UpsertUser(ctx context.Context, username string) (*models.User, error)
	CreateMessage(ctx context.Context, user *models.User, channel, content string) (*models.Message, error)
}

// Scheduler hands a stored message to background classification without
// blocking.
type Scheduler interface {
	Schedule(msg *models.Message) error
}

// Ingestor accepts chat messages.
type Ingestor struct {
	store          IngestStore
	scheduler      Scheduler
	defaultChannel string
	logger         *zap.Logger
}

func NewIngestor(store IngestStore, scheduler Scheduler, defaultChannel string, logger *zap.Logger) *Ingestor {
	if defaultChannel == "" {
		defaultChannel = models.DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:          store,
		scheduler:      scheduler,
		defaultChannel: defaultChannel,
		logger:         logger,
	}
}

// DefaultChannel returns the channel used when a submission names none.
func (i *Ingestor) DefaultChannel() string {
	return i.defaultChannel
}

// Submit stores a message and schedules its classification. The returned
// message is unclassified; a scheduling failure is logged and never fails
// the submission.
func (i *Ingestor) Submit(ctx context.Context, author, content, channel string) (*models.Message, error) {
	author = strings.TrimSpace(author)
	content = strings.TrimSpace(content)
	channel = strings.TrimSpace(channel)
	if author == "" {
		return nil, invalid("author is required")
	}
	if content == "" {
		return nil, invalid("content is required")
	}
	if channel == "" {
		channel = i.defaultChannel
	}

	user, err := i.store.UpsertUser(ctx, author)
	if err != nil {
		return nil, storageErr("upsert user", err)
	}
	msg, err := i.store.CreateMessage(ctx, user, channel, content)
	if err != nil {
		return nil, storageErr("create message", err)
	}
	monitoring.MessagesIngested.Inc()

	if i.scheduler != nil {
		if err := i.scheduler.Schedule(msg); err != nil {
			monitoring.ScheduleFailures.Inc()
			i.logger.Warn("classification not scheduled",
				zap.Int64("message_id", msg.ID),
				zap.String("channel", msg.Channel),
				zap.Error(err))
		}
	}
	return msg, nil
}
