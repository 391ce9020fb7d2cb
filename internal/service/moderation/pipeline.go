package moderation

import (
	"context"
	"time"

	"chatguard/internal/models"
	"chatguard/internal/monitoring"
	"chatguard/internal/service/ai"

	"go.uber.org/zap"
)

// DefaultClassifyTimeout bounds one classifier call.
const DefaultClassifyTimeout = 10 * time.Second

// PipelineStore is the part of the store the pipeline writes to.
type PipelineStore interface {
	RecordClassification(ctx context.Context, id int64, score float64, flag *models.ModerationFlag) (*models.Message, bool, bool, error)
}

// Pipeline classifies stored messages and raises flags.
type Pipeline struct {
	store      PipelineStore
	classifier ai.Classifier
	timeout    time.Duration
	logger     *zap.Logger
}

func NewPipeline(store PipelineStore, classifier ai.Classifier, timeout time.Duration, logger *zap.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultClassifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: store, classifier: classifier, timeout: timeout, logger: logger}
}

// ClassifyAndFlag runs once per message. Classifier failures degrade to the
// safe verdict; store failures are returned and leave the message
// unclassified so a later run can retry. A message that is already
// classified is left untouched.
func (p *Pipeline) ClassifyAndFlag(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID <= 0 {
		return invalid("message is required")
	}
	log := p.logger.With(zap.Int64("message_id", msg.ID), zap.String("channel", msg.Channel))

	start := time.Now()
	verdict, err := ai.SafeClassify(ctx, p.classifier, msg.Content, p.timeout)
	monitoring.ClassificationDuration.Observe(time.Since(start).Seconds())
	failed := err != nil
	if failed {
		monitoring.Classifications.WithLabelValues(monitoring.OutcomeFailed).Inc()
		log.Warn("classification failed, defaulting to safe", zap.Error(err))
	}

	var flag *models.ModerationFlag
	if verdict.ShouldFlag {
		flag = &models.ModerationFlag{
			MessageID:       msg.ID,
			FlagType:        models.FlagTypeToxicity,
			ConfidenceScore: verdict.ToxicityScore,
			Details: models.FlagDetails{
				Categories:  verdict.Categories,
				Severity:    verdict.Severity,
				Explanation: verdict.Explanation,
			},
		}
	}
	updated, applied, created, err := p.store.RecordClassification(ctx, msg.ID, verdict.ToxicityScore, flag)
	if err != nil {
		log.Error("record classification failed", zap.Error(err))
		return storageErr("record classification", err)
	}
	if !applied {
		monitoring.Classifications.WithLabelValues(monitoring.OutcomeSkipped).Inc()
		log.Debug("message already classified")
		return nil
	}
	if !failed {
		monitoring.Classifications.WithLabelValues(monitoring.OutcomeClassified).Inc()
	}
	log.Debug("message classified", zap.Float64("score", verdict.ToxicityScore), zap.Bool("flag", verdict.ShouldFlag))

	if created {
		monitoring.FlagsCreated.Inc()
		log.Info("message flagged",
			zap.String("author", updated.Author),
			zap.Float64("score", verdict.ToxicityScore),
			zap.String("severity", string(verdict.Severity)))
	}
	return nil
}
