package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	IsExternal   bool
	CreatedAt    time.Time
}

// Acceptance is the stored acceptance of one user for one terms document.
type Acceptance struct {
	UserID     string
	DocumentID string
	AcceptedAt int64
}
