package models

import (
	"fmt"
	"math"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SafeExplanation is recorded when the classifier could not produce a verdict.
const SafeExplanation = "Analysis failed, defaulting to safe"

// Verdict is the classifier output for one piece of text. It is never
// persisted as-is; the pipeline copies it into the message and, when
// flagged, into a ModerationFlag.
type Verdict struct {
	ToxicityScore float64  `json:"toxicityScore"`
	Categories    []string `json:"categories"`
	Severity      Severity `json:"severity"`
	Explanation   string   `json:"explanation"`
	ShouldFlag    bool     `json:"shouldFlag"`
}

// SafeVerdict is the fail-closed default used on classifier errors.
func SafeVerdict() *Verdict {
	return &Verdict{
		ToxicityScore: 0,
		Categories:    []string{},
		Severity:      SeverityLow,
		Explanation:   SafeExplanation,
		ShouldFlag:    false,
	}
}

// Validate checks the verdict ranges and normalises a nil category list.
func (v *Verdict) Validate() error {
	if v == nil {
		return fmt.Errorf("verdict is nil")
	}
	if math.IsNaN(v.ToxicityScore) || v.ToxicityScore < 0 || v.ToxicityScore > 1 {
		return fmt.Errorf("toxicity score %v out of range [0,1]", v.ToxicityScore)
	}
	if !v.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", v.Severity)
	}
	if v.Categories == nil {
		v.Categories = []string{}
	}
	return nil
}

// ToxicityBucket is the reporting band a score falls into.
type ToxicityBucket string

const (
	BucketSafe     ToxicityBucket = "safe"
	BucketModerate ToxicityBucket = "moderate"
	BucketToxic    ToxicityBucket = "toxic"
	BucketSevere   ToxicityBucket = "severe"
)

// Buckets lists every band in ascending order.
var Buckets = []ToxicityBucket{BucketSafe, BucketModerate, BucketToxic, BucketSevere}

// BucketFor maps a score to its reporting band. All reports go through
// this function so the thresholds stay identical everywhere.
func BucketFor(score float64) ToxicityBucket {
	switch {
	case score < 0.3:
		return BucketSafe
	case score < 0.6:
		return BucketModerate
	case score < 0.8:
		return BucketToxic
	default:
		return BucketSevere
	}
}

// SeverityFor derives a severity from a score using the same bands.
func SeverityFor(score float64) Severity {
	switch BucketFor(score) {
	case BucketSafe:
		return SeverityLow
	case BucketModerate:
		return SeverityMedium
	case BucketToxic:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
