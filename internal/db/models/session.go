package models

import "time"

// SessionRecord is a span: "session S was using account A from DetectedAt
// until EndedAt (or still open)". AccountID is nil while identity is unknown;
// that null pair follows the same at-most-one-open-row rule as a real one.
type SessionRecord struct {
	ID              uint   `gorm:"primaryKey"`
	SessionID       string `gorm:"index"`
	AccountID       *uint  `gorm:"index"`
	Email           *string
	DetectedAt      time.Time
	EndedAt         *time.Time `gorm:"index"`
	LastActivityAt  time.Time
	Method          string // detection method tag, e.g. "stamp", "token", "env"
	RepoPath        string
	IsSubagent      bool
	ParentSessionID *string
	AgentType       *string
}

// Open reports whether the span is still running.
func (r *SessionRecord) Open() bool {
	return r.EndedAt == nil
}
