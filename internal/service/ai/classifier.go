package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/models"

	"go.uber.org/zap"
)

// ErrClassification wraps every backend failure.
var ErrClassification = errors.New("classification failed")

// Classifier scores one piece of text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*models.Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (*models.Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (*models.Verdict, error) {
	return f(ctx, text)
}

const (
	BackendLLM       = "llm"
	BackendHTTP      = "http"
	BackendHeuristic = "heuristic"
)

// NewClassifier builds the backend selected in cfg.
func NewClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case BackendLLM:
		return NewLLMClassifier(ctx, cfg, logger)
	case BackendHTTP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http classifier requires base_url")
		}
		return NewHTTPClassifier(cfg.BaseURL, cfg.Timeout()), nil
	case BackendHeuristic, "":
		return NewHeuristicClassifier(), nil
	default:
		return nil, fmt.Errorf("unknown classifier backend: %s", cfg.Backend)
	}
}

// SafeClassify runs c under timeout and substitutes the safe default verdict
// when the call fails or returns an invalid verdict. The error, if any, is
// returned alongside the default so callers can log and count it.
func SafeClassify(ctx context.Context, c Classifier, text string, timeout time.Duration) (*models.Verdict, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	verdict, err := c.Classify(ctx, text)
	if err == nil {
		err = verdict.Validate()
	}
	if err != nil {
		if !errors.Is(err, ErrClassification) {
			err = fmt.Errorf("%w: %w", ErrClassification, err)
		}
		return models.SafeVerdict(), err
	}
	return verdict, nil
}

// ClassifyBatch classifies texts concurrently. The result has one verdict per
// input in input order; each failed item independently falls back to the
// safe default.
func ClassifyBatch(ctx context.Context, c Classifier, texts []string, timeout time.Duration, logger *zap.Logger) []*models.Verdict {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]*models.Verdict, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			verdict, err := SafeClassify(ctx, c, text, timeout)
			if err != nil {
				logger.Warn("batch item classification failed", zap.Int("index", i), zap.Error(err))
			}
			out[i] = verdict
		}(i, text)
	}
	wg.Wait()
	return out
}
