package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chatguard/internal/config"
	"chatguard/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const systemPrompt = `You are a chat moderation assistant. Analyze the user's message for toxic content.
Consider harassment, hate_speech, profanity, sexual, violence, self_harm and spam.

Guidelines:
- Score 0.0-0.3: Safe content
- Score 0.3-0.6: Mildly concerning, monitor
- Score 0.6-0.8: Toxic, should be flagged
- Score 0.8-1.0: Highly toxic, immediate action required

Be balanced and avoid false positives for casual language while catching genuinely harmful content.

Answer with a single JSON object and nothing else:
{"toxicityScore": number 0-1, "categories": [string], "severity": "low"|"medium"|"high"|"critical", "explanation": string, "shouldFlag": boolean}`

// chatModelFactory is swapped in tests.
var chatModelFactory = newChatModel

// LLMClassifier asks a chat model for a JSON verdict.
type LLMClassifier struct {
	chatModel model.BaseChatModel
	logger    *zap.Logger
}

// NewLLMClassifier builds the chat model for cfg.Provider.
func NewLLMClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (*LLMClassifier, error) {
	chatModel, err := chatModelFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMClassifier{chatModel: chatModel, logger: logger}, nil
}

func newChatModel(ctx context.Context, cfg config.ClassifierConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required", cfg.Provider)
	}
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 512,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return chatModel, nil
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (*models.Verdict, error) {
	resp, err := c.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf("Message: %q", text)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %w", ErrClassification, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrClassification)
	}
	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		c.logger.Debug("unparseable model response", zap.String("response", resp.Content), zap.Error(err))
		return nil, err
	}
	return verdict, nil
}

func parseVerdict(raw string) (*models.Verdict, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var verdict models.Verdict
	if err := json.Unmarshal([]byte(clean), &verdict); err != nil {
		return nil, fmt.Errorf("%w: decode verdict: %w", ErrClassification, err)
	}
	if err := verdict.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	return &verdict, nil
}
