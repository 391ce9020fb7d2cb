package ai

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"chatguard/internal/models"
)

// FlagThreshold is the score at or above which a verdict asks for a flag.
const FlagThreshold = 0.6

type pattern struct {
	re       *regexp.Regexp
	category string
	score    float64
}

var toxicPatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(fuck|shit|damn|bitch|asshole|bastard)\b`), "profanity", 0.45},
	{regexp.MustCompile(`(?i)\b(kill yourself|kys|die|suicide)\b`), "self_harm", 0.85},
	{regexp.MustCompile(`(?i)\b(hate|stupid|idiot|moron|dumb)\b`), "harassment", 0.65},
}

// IsLikelyToxic is a quick word-list check for real-time filtering.
func IsLikelyToxic(text string) bool {
	for _, p := range toxicPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// HeuristicClassifier scores text with word lists. It never fails and needs
// no network access.
type HeuristicClassifier struct{}

func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

// Classify implements Classifier. The score is the strongest matching
// category plus 0.05 for each additional one.
func (HeuristicClassifier) Classify(ctx context.Context, text string) (*models.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	categories := []string{}
	var top float64
	for _, p := range toxicPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		categories = append(categories, p.category)
		top = math.Max(top, p.score)
	}

	score := top
	if len(categories) > 1 {
		score = math.Min(1, top+0.05*float64(len(categories)-1))
	}
	explanation := "No toxic patterns detected"
	if len(categories) > 0 {
		explanation = "Matched word lists: " + strings.Join(categories, ", ")
	}
	return &models.Verdict{
		ToxicityScore: score,
		Categories:    categories,
		Severity:      models.SeverityFor(score),
		Explanation:   explanation,
		ShouldFlag:    score >= FlagThreshold,
	}, nil
}
