// Package events fans out gate activity to other services.
package events

import "context"

const TopicAcceptanceRecorded = "tosgate.acceptance.recorded"

type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// AcceptanceRecorded is published after a user's acceptance is stored.
type AcceptanceRecorded struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	AcceptedAt int64  `json:"accepted_at"`
}
