package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type FlagStatus string

const (
	FlagPending  FlagStatus = "pending"
	FlagResolved FlagStatus = "resolved"
)

// FlagTypeToxicity is the only flag type the pipeline creates.
const FlagTypeToxicity = "toxicity"

type ActionType string

const ActionDelete ActionType = "delete"

// DefaultActionReason is recorded when a moderator gives no reason.
const DefaultActionReason = "Violated community guidelines"

// FlagDetails carries the verdict context of a flag. It is stored as JSON.
type FlagDetails struct {
	Categories  []string `json:"categories"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
}

// Value implements driver.Valuer.
func (d FlagDetails) Value() (driver.Value, error) {
	if d.Categories == nil {
		d.Categories = []string{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *FlagDetails) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = FlagDetails{Categories: []string{}}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported flag details type %T", src)
	}
	if err := json.Unmarshal(data, d); err != nil {
		return fmt.Errorf("decode flag details: %w", err)
	}
	if d.Categories == nil {
		d.Categories = []string{}
	}
	return nil
}

// ModerationFlag is a pending moderation task raised by the pipeline.
type ModerationFlag struct {
	ID              int64       `json:"id" db:"id"`
	MessageID       int64       `json:"messageId" db:"message_id"`
	FlagType        string      `json:"flagType" db:"flag_type"`
	ConfidenceScore float64     `json:"confidenceScore" db:"confidence_score"`
	Details         FlagDetails `json:"details" db:"details"`
	Status          FlagStatus  `json:"status" db:"status"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// FlaggedMessage is a flag joined with the message it concerns.
type FlaggedMessage struct {
	MessageID       int64       `json:"id" db:"message_id"`
	Author          string      `json:"author" db:"username"`
	Content         string      `json:"content" db:"content"`
	Channel         string      `json:"channel" db:"channel"`
	ToxicityScore   *float64    `json:"toxicityScore" db:"toxicity_score"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	FlagID          int64       `json:"flagId" db:"flag_id"`
	FlagType        string      `json:"flagType" db:"flag_type"`
	ConfidenceScore float64     `json:"confidenceScore" db:"confidence_score"`
	Details         FlagDetails `json:"details" db:"details"`
	Status          FlagStatus  `json:"status" db:"status"`
}

// ModerationAction is an append-only audit record of a moderator decision.
type ModerationAction struct {
	ID          int64      `json:"id" db:"id"`
	MessageID   int64      `json:"messageId" db:"message_id"`
	ModeratorID int64      `json:"moderatorId" db:"moderator_id"`
	ActionType  ActionType `json:"actionType" db:"action_type"`
	Reason      string     `json:"reason" db:"reason"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}
