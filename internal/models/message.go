package models

import "time"

// DefaultChannel is used when a submission does not name a channel.
const DefaultChannel = "general"

// Message is a single chat line stored in a channel. ID is assigned by the
// store, grows monotonically and is the ordering key for channel reads.
type Message struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"userId" db:"user_id"`
	Author        string    `json:"author" db:"username"`
	Channel       string    `json:"channel" db:"channel"`
	Content       string    `json:"content" db:"content"`
	ToxicityScore *float64  `json:"toxicityScore" db:"toxicity_score"`
	Flagged       bool      `json:"flagged" db:"is_flagged"`
	Deleted       bool      `json:"deleted" db:"is_deleted"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// Classified reports whether the toxicity annotation has been written.
func (m *Message) Classified() bool {
	return m != nil && m.ToxicityScore != nil
}

// MaxID returns the highest message id in the batch, or 0 for an empty batch.
func MaxID(messages []*Message) int64 {
	var max int64
	for _, msg := range messages {
		if msg != nil && msg.ID > max {
			max = msg.ID
		}
	}
	return max
}
